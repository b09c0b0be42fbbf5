// Package sequence tracks how far an account has progressed through the fixed
// interaction sequence against a single target profile.
package sequence

import "strings"

type Step string

const (
	StepFollow        Step = "follow"
	StepLike          Step = "like"
	StepViewStory     Step = "view_story"
	StepLikeStory     Step = "like_story"
	StepComment       Step = "comment"
	StepSwitchProfile Step = "switch_profile"

	// ActionWelcomeMessage is an action kind, not a step: it never appears as
	// ProfileState.CurrentStep.
	ActionWelcomeMessage Step = "dm_welcome"
)

const DefaultMaxLikes = 3

// Config shapes the transition function for one flow.
type Config struct {
	MaxLikes       int
	StoriesEnabled bool
}

func DefaultConfig() Config {
	return Config{MaxLikes: DefaultMaxLikes, StoriesEnabled: true}
}

func (c Config) normalized() Config {
	if c.MaxLikes < 1 {
		c.MaxLikes = DefaultMaxLikes
	}
	return c
}

var orderedSteps = []Step{StepFollow, StepLike, StepViewStory, StepLikeStory, StepComment, StepSwitchProfile}

// Steps returns the ordered step vocabulary.
func Steps() []Step {
	out := make([]Step, len(orderedSteps))
	copy(out, orderedSteps)
	return out
}

// ActionKinds returns every action kind the governor accepts: the steps plus
// the out-of-band welcome message.
func ActionKinds() []Step {
	return append(Steps(), ActionWelcomeMessage)
}

func ParseStep(raw string) (Step, bool) {
	candidate := Step(strings.ToLower(strings.TrimSpace(raw)))
	for _, kind := range ActionKinds() {
		if kind == candidate {
			return kind, true
		}
	}
	return "", false
}

func (s Step) IsSequenceStep() bool {
	for _, step := range orderedSteps {
		if step == s {
			return true
		}
	}
	return false
}

// NextStep is the deterministic transition function. Unknown states fall
// through to switch_profile, the terminal step.
func NextStep(current Step, repeatCount int, cfg Config) Step {
	cfg = cfg.normalized()
	switch current {
	case StepFollow:
		return StepLike
	case StepLike:
		if repeatCount < cfg.MaxLikes {
			return StepLike
		}
		return StepViewStory
	case StepViewStory:
		if cfg.StoriesEnabled {
			return StepLikeStory
		}
		return StepComment
	case StepLikeStory:
		return StepComment
	case StepComment:
		return StepSwitchProfile
	default:
		return StepSwitchProfile
	}
}
