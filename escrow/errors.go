package escrow

import "errors"

// The four error categories callers are expected to branch on with
// errors.Is. Operations wrap these with the specific precondition that
// failed; the API layer maps the category to a response, never the text.
var (
	// ErrNotFound signals the escrow or milestone does not exist.
	ErrNotFound = errors.New("escrow: not found")
	// ErrUnauthorized signals the caller is not the party allowed to
	// perform the action.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState signals the transition is illegal from the current
	// status, including double release and double refund.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrValidation signals malformed input: non-positive amounts,
	// milestone sum above total, dispute reason too short.
	ErrValidation = errors.New("escrow: validation failed")
)
