package protocol

// Code classifies an error response.
type Code string

// Error codes sent in Response.Code.
const (
	CodeBadRequest          Code = "bad_request"
	CodeUnknownAction       Code = "unknown_action"
	CodeAuthFailure         Code = "auth_failure"
	CodePermissionDenied    Code = "permission_denied"
	CodeCapacityViolation   Code = "capacity_violation"
	CodeResourceMissing     Code = "resource_missing"
	CodeInvalidState        Code = "invalid_state"
	CodeTransferUnavailable Code = "transfer_unavailable"
	CodeServerFault         Code = "server_fault"
)

// Error is a handler failure that maps directly onto an error response.
type Error struct {
	Code    Code
	Message string
}

// Errorf builds an Error.
func Errorf(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Response converts the error into its wire form.
func (e *Error) Response() Response {
	return Fail(e.Code, e.Message)
}
