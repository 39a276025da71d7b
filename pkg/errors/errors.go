package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf(format, args...)
	return newErr
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// New 创建新错误
func New(code, message string) *Error {
	return NewWithStatus(code, message, http.StatusInternalServerError, codes.Internal)
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// 通用错误码
var (
	ErrInternal       = NewWithStatus("INTERNAL_ERROR", "internal error", http.StatusInternalServerError, codes.Internal)
	ErrInvalidRequest = NewWithStatus("INVALID_REQUEST", "invalid request", http.StatusBadRequest, codes.InvalidArgument)
	ErrNotFound       = NewWithStatus("NOT_FOUND", "resource not found", http.StatusNotFound, codes.NotFound)
)

// 网关错误码
var (
	ErrInvoiceDifferNotEnough = NewWithStatus("INVOICE_DIFFER_NOT_ENOUGH", "no free differ slot for this value", http.StatusBadRequest, codes.ResourceExhausted)
	ErrInvoiceContractMissing = NewWithStatus("INVOICE_CONTRACT_NOT_CONFIGURED", "invoice contract is not configured for this chain", http.StatusBadRequest, codes.FailedPrecondition)
	ErrDuplicateOrderNo       = NewWithStatus("DUPLICATE_ORDER_NO", "order number already used", http.StatusConflict, codes.AlreadyExists)
	ErrInvalidUID             = NewWithStatus("INVALID_UID", "invalid uid", http.StatusBadRequest, codes.InvalidArgument)
	ErrInvalidChainToken      = NewWithStatus("INVALID_CHAIN_TOKEN", "token is not available on this chain", http.StatusBadRequest, codes.InvalidArgument)
	ErrUnsupportedNetwork     = NewWithStatus("UNSUPPORTED_NETWORK", "network is not supported", http.StatusBadRequest, codes.InvalidArgument)
	ErrChainIDMismatch        = NewWithStatus("CHAIN_ID_MISMATCH", "endpoint chain id does not match", http.StatusBadRequest, codes.InvalidArgument)
	ErrChainNotSupported      = NewWithStatus("CHAIN_NOT_SUPPORTED", "chain is not supported", http.StatusBadRequest, codes.FailedPrecondition)
	ErrCurrencyConflict       = NewWithStatus("CURRENCY_CONFLICT", "native currency conflicts with an existing token", http.StatusConflict, codes.AlreadyExists)
	ErrLeaseTimeout           = NewWithStatus("LEASE_TIMEOUT", "timed out waiting for account lease", http.StatusServiceUnavailable, codes.Unavailable)
	ErrDeletionForbidden      = NewWithStatus("DELETION_FORBIDDEN", "deletion is forbidden", http.StatusForbidden, codes.PermissionDenied)
)

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}
