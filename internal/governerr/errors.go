package governerr

import "errors"

var (
	ErrMissingAccount    = errors.New("account id is required")
	ErrMissingActionKind = errors.New("action kind is required")
	ErrUnknownActionKind = errors.New("unknown action kind")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrScheduleFailed    = errors.New("failed to schedule action")
)

// Category classifies a governor outcome so callers can tell a bad request from a
// policy denial or an infrastructure fault without parsing reasons.
type Category string

const (
	CategoryNone              Category = ""
	CategoryCallerError       Category = "caller_error"
	CategoryPolicyRejection   Category = "policy_rejection"
	CategoryDependencyFailure Category = "dependency_failure"
	CategoryUnconfirmed       Category = "unconfirmed"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Classify maps a collaborator error onto the outcome category used in results.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrMissingAccount), errors.Is(err, ErrMissingActionKind), errors.Is(err, ErrUnknownActionKind):
		return CategoryCallerError
	default:
		return CategoryDependencyFailure
	}
}
