package hooks

import "fmt"

// JSON-RPC error codes reported for the typed errors below.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// InvalidParamsError indicates that the server sent parameters the handler
// cannot act on. It is reported to the server as "Invalid params".
type InvalidParamsError struct {
	Field  string // which field is invalid
	Reason string // why it's invalid
}

func (e *InvalidParamsError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid parameters: %s", e.Reason)
}

// Code returns the JSON-RPC error code for e.
func (e *InvalidParamsError) Code() int { return codeInvalidParams }

// UnsupportedOperationError indicates that the requested operation is not
// supported. It is reported to the server as "Method not found".
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation not supported: %s", e.Operation)
}

// Code returns the JSON-RPC error code for e.
func (e *UnsupportedOperationError) Code() int { return codeMethodNotFound }
