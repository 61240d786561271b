package domain

import "errors"

// Error taxonomy for the bridge core. Operations wrap these sentinels with
// fmt.Errorf("...: %w", ...) so callers can branch with errors.Is while
// command responses surface the machine-readable kind.
var (
	ErrValidation             = errors.New("validation failed")
	ErrSignature              = errors.New("invalid signature")
	ErrInsufficientSignatures = errors.New("insufficient signatures")
	ErrReplay                 = errors.New("already processed")
	ErrTimeout                = errors.New("timed out")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrStateConflict          = errors.New("state conflict")
	ErrAlreadyFinalized       = errors.New("already finalized")
	ErrHalted                 = errors.New("bridge halted")
	ErrNotFound               = errors.New("not found")
	ErrPersistence            = errors.New("persistence failure")
)

// ErrorKind maps an error chain to its taxonomy name for command responses.
// Unrecognized errors report as "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInsufficientSignatures):
		return "insufficient_signatures"
	case errors.Is(err, ErrSignature):
		return "signature"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, ErrHalted):
		return "halted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
