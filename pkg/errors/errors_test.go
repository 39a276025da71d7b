package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapKeepsCode(t *testing.T) {
	cause := stderrors.New("redis down")
	err := Wrap(ErrLeaseTimeout, cause)

	assert.True(t, Is(err, ErrLeaseTimeout))
	assert.False(t, Is(err, ErrDeletionForbidden))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "LEASE_TIMEOUT", GetCode(fmt.Errorf("enqueue: %w", err)))
	// 原始错误不被修改
	assert.Nil(t, ErrLeaseTimeout.Cause)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusOK, ToHTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, ToHTTPStatus(ErrInvoiceDifferNotEnough))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(stderrors.New("x")))

	st, ok := status.FromError(ToGRPCError(ErrDeletionForbidden))
	assert.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Nil(t, ToGRPCError(nil))
	assert.Equal(t, "UNKNOWN", GetCode(stderrors.New("x")))
}

func TestWithDetail(t *testing.T) {
	err := ErrInvoiceDifferNotEnough.WithDetail("value", "100")
	assert.Equal(t, "100", err.Details["value"])
	assert.Nil(t, ErrInvoiceDifferNotEnough.Details)

	msg := ErrChainIDMismatch.WithMessagef("expected %d got %d", 1, 56)
	assert.Equal(t, "expected 1 got 56", msg.Message)
	assert.True(t, Is(msg, ErrChainIDMismatch))
}
