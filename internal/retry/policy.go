package retry

import (
	"time"

	apperrors "github.com/openclaw/autoconnect/internal/errors"
)

type ErrorClass string

const (
	// ClassIssuance is a retryable issuance failure; it consumes the budget.
	ClassIssuance ErrorClass = "issuance"
	// ClassRejected is an issuance the remote refused outright.
	ClassRejected ErrorClass = "rejected"
	// ClassInvalidCode is a contract violation and never retried.
	ClassInvalidCode ErrorClass = "invalid_code"
	// ClassFatalPoll means the code can never be linked.
	ClassFatalPoll ErrorClass = "fatal_poll"
)

type Action int

const (
	ActionStop Action = iota
	ActionRetry
)

type Decision struct {
	Action Action
	Delay  time.Duration
}

func (d Decision) ShouldRetry() bool {
	return d.Action == ActionRetry
}

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 8 * time.Second
)

// Policy is a stateless exponential backoff with a hard attempt cap.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Next returns the decision for a failure after attempt retries were used.
// Delays double per attempt and never exceed MaxDelay.
func (p Policy) Next(attempt int, class ErrorClass) Decision {
	if class != ClassIssuance {
		return Decision{Action: ActionStop}
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= p.MaxRetries {
		return Decision{Action: ActionStop}
	}
	return Decision{Action: ActionRetry, Delay: p.delay(attempt)}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Classify maps an issuance-phase error to its retry class.
func Classify(err error) ErrorClass {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeIssuanceRejected:
		return ClassRejected
	case apperrors.ErrCodeInvalidCode:
		return ClassInvalidCode
	case apperrors.ErrCodeFatalPoll:
		return ClassFatalPoll
	default:
		return ClassIssuance
	}
}
