package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dwizi/action-governor/internal/store"
)

// StateStore persists profile states. SaveProfileState must be an upsert on the
// composite key; concurrent writers resolve last-writer-wins.
type StateStore interface {
	LookupProfileState(ctx context.Context, accountID, targetHandle string) (store.ProfileState, error)
	SaveProfileState(ctx context.Context, state store.ProfileState) error
}

type Tracker struct {
	states StateStore
	now    func() time.Time
}

func NewTracker(states StateStore) *Tracker {
	return &Tracker{
		states: states,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetState returns the stored state and whether one exists.
func (t *Tracker) GetState(ctx context.Context, accountID, targetHandle string) (store.ProfileState, bool, error) {
	state, err := t.states.LookupProfileState(ctx, strings.TrimSpace(accountID), NormalizeHandle(targetHandle))
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			return store.ProfileState{}, false, nil
		}
		return store.ProfileState{}, false, fmt.Errorf("lookup profile state: %w", err)
	}
	return state, true, nil
}

// ExpectedNext is the step the account must perform next. A target with no
// state must start with follow.
func ExpectedNext(state store.ProfileState, found bool, cfg Config) Step {
	if !found {
		return StepFollow
	}
	return NextStep(Step(state.CurrentStep), state.StepRepeatCount, cfg)
}

// Advance records a confirmed step. Repeating the current step bumps the
// repeat count; any other step starts a new count at 1.
func (t *Tracker) Advance(ctx context.Context, accountID, targetHandle string, confirmed Step, usedDelayMs int64) (store.ProfileState, error) {
	if !confirmed.IsSequenceStep() {
		return store.ProfileState{}, fmt.Errorf("advance with non-sequence step %q", confirmed)
	}
	state, found, err := t.GetState(ctx, accountID, targetHandle)
	if err != nil {
		return store.ProfileState{}, err
	}
	now := t.now()
	if !found {
		state = store.ProfileState{
			AccountID:    strings.TrimSpace(accountID),
			TargetHandle: NormalizeHandle(targetHandle),
		}
	}
	if found && Step(state.CurrentStep) == confirmed {
		state.StepRepeatCount++
	} else {
		state.StepRepeatCount = 1
	}
	state.CurrentStep = string(confirmed)
	state.LastActionKind = string(confirmed)
	if usedDelayMs < 0 {
		usedDelayMs = 0
	}
	state.LastDelayMs = usedDelayMs
	state.LastSuccessAt = now
	state.UpdatedAt = now
	if err := t.states.SaveProfileState(ctx, state); err != nil {
		return store.ProfileState{}, fmt.Errorf("save profile state: %w", err)
	}
	return state, nil
}

// NormalizeHandle canonicalizes a target handle the way state rows are keyed.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(handle)), "@")
}
