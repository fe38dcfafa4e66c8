package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidValue    ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidName     ErrorCode = 1004
	ErrCodeEncoding        ErrorCode = 1005
	ErrCodeNotSupported    ErrorCode = 1006
	ErrCodeRateLimited     ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeUnavailable         ErrorCode = 2001
	ErrCodeDecoding            ErrorCode = 2002
	ErrCodeStructuralInvariant ErrorCode = 2003
	ErrCodeCorruptedData       ErrorCode = 2004
	ErrCodeChecksumFailed      ErrorCode = 2005
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidValue, ErrCodeKeyTooLarge,
		ErrCodeValueTooLarge, ErrCodeInvalidName, ErrCodeEncoding:
		return codes.InvalidArgument
	case ErrCodeNotSupported:
		return codes.Unimplemented
	case ErrCodeRateLimited:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData, ErrCodeDecoding:
		return codes.DataLoss
	case ErrCodeStructuralInvariant:
		return codes.FailedPrecondition
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

// InvalidValue reports an entity whose value is absent.
func InvalidValue(key []byte) *StorageError {
	return NewStorageError(ErrCodeInvalidValue, fmt.Sprintf("entity %q has no value", key), nil).
		WithDetail("key", key)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidName(kind, name, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidName, fmt.Sprintf("invalid %s name '%s': %s", kind, name, reason), nil).
		WithDetail(kind, name).
		WithDetail("reason", reason)
}

func EncodingError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeEncoding, message, cause)
}

func DecodingError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeDecoding, message, cause)
}

func NotSupported(operation string) *StorageError {
	return NewStorageError(ErrCodeNotSupported, fmt.Sprintf("operation %s is not supported", operation), nil).
		WithDetail("operation", operation)
}

func RateLimited(method string) *StorageError {
	return NewStorageError(ErrCodeRateLimited, fmt.Sprintf("rate limit exceeded for %s", method), nil).
		WithDetail("method", method)
}

func StructuralInvariantViolation(message string) *StorageError {
	return NewStorageError(ErrCodeStructuralInvariant, message, nil)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// IsStorageError checks if an error is or wraps a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// FromGRPC rebuilds a StorageError from a gRPC error returned by a remote shard.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.Unimplemented:
		code = ErrCodeNotSupported
	case codes.ResourceExhausted:
		code = ErrCodeRateLimited
	case codes.DataLoss:
		code = ErrCodeCorruptedData
	case codes.FailedPrecondition:
		code = ErrCodeStructuralInvariant
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		code = ErrCodeUnavailable
	default:
		code = ErrCodeInternal
	}
	return NewStorageError(code, st.Message(), nil).WithDetail("grpc_code", st.Code().String())
}

// ToGRPC converts any error into a gRPC status error suitable for returning
// from a handler.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
