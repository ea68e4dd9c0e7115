package bulk

import "fmt"

// Client-facing error codes.
const (
	CodeUnsupportedFormat   = "UNSUPPORTED_FORMAT"
	CodeMalformedFile       = "MALFORMED_FILE"
	CodeMissingColumns      = "MISSING_COLUMNS"
	CodeEmptyFile           = "EMPTY_FILE"
	CodeRowLimitExceeded    = "ROW_LIMIT_EXCEEDED"
	CodeLimitExceeded       = "LIMIT_EXCEEDED"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeForbidden           = "FORBIDDEN"
	CodeInstitutionNotFound = "INSTITUTION_NOT_FOUND"
)

// Error はクライアントへそのまま返せるエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
