package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for scout operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument        ErrorCode = 1000
	ErrCodeNoSuchObject           ErrorCode = 1001
	ErrCodeWrongType              ErrorCode = 1002
	ErrCodeVersionNotFound        ErrorCode = 1003
	ErrCodeInvalidOperation       ErrorCode = 1004
	ErrCodeIllegalState           ErrorCode = 1005
	ErrCodeDependencyNotSatisfied ErrorCode = 1006
	ErrCodeIncompatibleVersions   ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeNetwork       ErrorCode = 2001
	ErrCodeTxnLogFailure ErrorCode = 2002
	ErrCodeStopped       ErrorCode = 2003
	ErrCodeQueueFull     ErrorCode = 2004
	ErrCodeCorruptedData ErrorCode = 2005
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                     "OK",
	ErrCodeInvalidArgument:        "INVALID_ARGUMENT",
	ErrCodeNoSuchObject:           "NO_SUCH_OBJECT",
	ErrCodeWrongType:              "WRONG_TYPE",
	ErrCodeVersionNotFound:        "VERSION_NOT_FOUND",
	ErrCodeInvalidOperation:       "INVALID_OPERATION",
	ErrCodeIllegalState:           "ILLEGAL_STATE",
	ErrCodeDependencyNotSatisfied: "DEPENDENCY_NOT_SATISFIED",
	ErrCodeIncompatibleVersions:   "INCOMPATIBLE_VERSIONS",
	ErrCodeInternal:               "INTERNAL",
	ErrCodeNetwork:                "NETWORK",
	ErrCodeTxnLogFailure:          "TXN_LOG_FAILURE",
	ErrCodeStopped:                "STOPPED",
	ErrCodeQueueFull:              "QUEUE_FULL",
	ErrCodeCorruptedData:          "CORRUPTED_DATA",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ScoutError represents a structured error with code and context
type ScoutError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ScoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ScoutError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts ScoutError to gRPC status
func (e *ScoutError) ToGRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// GRPCCode maps internal error codes to gRPC codes
func (e *ScoutError) GRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNoSuchObject, ErrCodeVersionNotFound:
		return codes.NotFound
	case ErrCodeWrongType, ErrCodeInvalidOperation, ErrCodeIllegalState,
		ErrCodeDependencyNotSatisfied, ErrCodeIncompatibleVersions:
		return codes.FailedPrecondition
	case ErrCodeNetwork, ErrCodeStopped:
		return codes.Unavailable
	case ErrCodeQueueFull:
		return codes.ResourceExhausted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewScoutError creates a new ScoutError
func NewScoutError(code ErrorCode, message string, cause error) *ScoutError {
	return &ScoutError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ScoutError) WithDetail(key string, value interface{}) *ScoutError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ScoutError {
	return NewScoutError(ErrCodeInvalidArgument, message, cause)
}

func NoSuchObject(objectID string) *ScoutError {
	return NewScoutError(ErrCodeNoSuchObject, fmt.Sprintf("object %s does not exist", objectID), nil).
		WithDetail("object_id", objectID)
}

func WrongType(objectID, expected, actual string) *ScoutError {
	return NewScoutError(ErrCodeWrongType, fmt.Sprintf("object %s has type %s, requested %s", objectID, actual, expected), nil).
		WithDetail("object_id", objectID).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func VersionNotFound(objectID, reason string) *ScoutError {
	return NewScoutError(ErrCodeVersionNotFound, fmt.Sprintf("version of %s not available: %s", objectID, reason), nil).
		WithDetail("object_id", objectID)
}

func InvalidOperation(message string, cause error) *ScoutError {
	return NewScoutError(ErrCodeInvalidOperation, message, cause)
}

func IllegalState(message string) *ScoutError {
	return NewScoutError(ErrCodeIllegalState, message, nil)
}

func DependencyNotSatisfied(objectID string) *ScoutError {
	return NewScoutError(ErrCodeDependencyNotSatisfied, fmt.Sprintf("dependencies of update on %s are not satisfied", objectID), nil).
		WithDetail("object_id", objectID)
}

func IncompatibleVersions(objectID string) *ScoutError {
	return NewScoutError(ErrCodeIncompatibleVersions, fmt.Sprintf("versions of %s cannot be merged", objectID), nil).
		WithDetail("object_id", objectID)
}

func InternalError(message string, cause error) *ScoutError {
	return NewScoutError(ErrCodeInternal, message, cause)
}

func Network(message string, cause error) *ScoutError {
	return NewScoutError(ErrCodeNetwork, message, cause)
}

func TxnLogFailure(message string, cause error) *ScoutError {
	return NewScoutError(ErrCodeTxnLogFailure, message, cause)
}

func Stopped(component string) *ScoutError {
	return NewScoutError(ErrCodeStopped, fmt.Sprintf("%s is stopped", component), nil)
}

func QueueFull(queue string, limit int) *ScoutError {
	return NewScoutError(ErrCodeQueueFull, fmt.Sprintf("%s is full (%d)", queue, limit), nil).
		WithDetail("queue", queue).
		WithDetail("limit", limit)
}

func CorruptedData(message string, cause error) *ScoutError {
	return NewScoutError(ErrCodeCorruptedData, message, cause)
}

// IsScoutError checks if an error is or wraps a ScoutError
func IsScoutError(err error) bool {
	var se *ScoutError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *ScoutError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
