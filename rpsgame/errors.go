package rpsgame

import "errors"

// Validation errors raised when an action violates a transition guard. Each
// is terminal for that action: the caller reports it, never retries it.
var (
	ErrAlreadyRegistered   = errors.New("caller is already registered for this game")
	ErrGameFull            = errors.New("both player slots are taken")
	ErrNotAPlayer          = errors.New("caller is not a registered player")
	ErrAlreadyCommitted    = errors.New("caller already committed a move")
	ErrAlreadyRevealed     = errors.New("caller already revealed their move")
	ErrCommitmentMismatch  = errors.New("revealed move does not match the commitment")
	ErrWrongPhase          = errors.New("action is not valid in the current phase")
	ErrInsufficientPayment = errors.New("payment is below price plus bond")
	ErrTimeoutNotReached   = errors.New("opponent timeout window has not elapsed")
)

var errCodes = map[string]error{
	"alreadyRegistered":   ErrAlreadyRegistered,
	"gameFull":            ErrGameFull,
	"notAPlayer":          ErrNotAPlayer,
	"alreadyCommitted":    ErrAlreadyCommitted,
	"alreadyRevealed":     ErrAlreadyRevealed,
	"commitmentMismatch":  ErrCommitmentMismatch,
	"wrongPhase":          ErrWrongPhase,
	"insufficientPayment": ErrInsufficientPayment,
	"timeoutNotReached":   ErrTimeoutNotReached,
}

// ErrorCode maps a validation error to its stable wire code, or "" when err
// is not a protocol validation error.
func ErrorCode(err error) string {
	for code, e := range errCodes {
		if errors.Is(err, e) {
			return code
		}
	}
	return ""
}

// ErrorFromCode maps a wire code back to the matching sentinel error. It
// returns nil for unknown codes so transports can fall back to a generic
// error carrying the server's message.
func ErrorFromCode(code string) error {
	return errCodes[code]
}
