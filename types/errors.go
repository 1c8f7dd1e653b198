package types

// X402Error is the structured error returned across package boundaries.
// Code is one of the constants below; Reason carries the wire reason code
// when the error maps onto a client visible outcome.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Reason  string      `json:"reason,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Err     error       `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrInvalidPayload        = "INVALID_PAYLOAD"
	ErrInvalidRequirements   = "INVALID_REQUIREMENTS"
	ErrUnsupportedNetwork    = "UNSUPPORTED_NETWORK"
	ErrUnknownTier           = "UNKNOWN_TIER"
	ErrPaymentInvalid        = "PAYMENT_INVALID"
	ErrBudgetExceeded        = "BUDGET_EXCEEDED"
	ErrDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	ErrComputeFailure        = "COMPUTE_FAILURE"
	ErrSettlementFailed      = "SETTLEMENT_FAILED"
	ErrSigningFailed         = "SIGNING_FAILED"
	ErrConfigError           = "CONFIG_ERROR"
	ErrInternal              = "INTERNAL_ERROR"
)

// NewError builds an X402Error.
func NewError(code, message string, err error) *X402Error {
	return &X402Error{Code: code, Message: message, Err: err}
}
