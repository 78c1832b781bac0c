package ledger

import "errors"

// Sentinel errors returned by the engine. Handlers map these onto the HTTP
// error surface; detail text travels in the wrapped message.
var (
	// ErrNotFound surfaces as 404.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest covers structural problems with a payload; surfaces as 400.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnprocessable covers well-formed payloads that violate a semantic
	// rule; surfaces as 422.
	ErrUnprocessable = errors.New("unprocessable")
	// ErrInsufficientFunds surfaces as 422.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidTransition is returned when a transfer update cannot advance
	// the state machine; surfaces as 422.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrForbidden is returned when a principal asserts authority they do not
	// have; surfaces as 403.
	ErrForbidden = errors.New("forbidden")
)
