package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterruptPackage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		pkg     InterruptPackage
		wantErr string
	}{
		{"plan abort", InterruptPackage{PlanExecutionID: "plan-1", Type: InterruptAbortAll}, ""},
		{"node abort", InterruptPackage{PlanExecutionID: "plan-1", NodeExecutionID: "n-1", Type: InterruptAbort}, ""},
		{"abort without node is plan wide", InterruptPackage{PlanExecutionID: "plan-1", Type: InterruptAbort}, ""},
		{"missing plan", InterruptPackage{Type: InterruptAbortAll}, "plan execution id is required"},
		{"unknown type", InterruptPackage{PlanExecutionID: "plan-1", Type: "PAUSE"}, "unknown interrupt type PAUSE"},
		{"expire needs node", InterruptPackage{PlanExecutionID: "plan-1", Type: InterruptMarkExpired}, "MARK_EXPIRED requires a node execution id"},
		{"retry needs node", InterruptPackage{PlanExecutionID: "plan-1", Type: InterruptRetry}, "RETRY requires a node execution id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pkg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, HasCode(err, ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInterruptPackage_PlanWide(t *testing.T) {
	assert.True(t, InterruptPackage{Type: InterruptAbortAll}.PlanWide())
	assert.True(t, InterruptPackage{Type: InterruptAbort}.PlanWide())
	assert.False(t, InterruptPackage{Type: InterruptAbort, NodeExecutionID: "n"}.PlanWide())
	assert.False(t, InterruptPackage{Type: InterruptMarkExpired, NodeExecutionID: "n"}.PlanWide())
}

func TestError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeNotFound, "node execution %q not found", "n-1")
	assert.Equal(t, `[NOT_FOUND] node execution "n-1" not found`, err.Error())

	err = NewError(ErrCodeUpdateFailed, "no document matched").WithNode("n-2")
	assert.Equal(t, "[UPDATE_FAILED] node execution n-2: no document matched", err.Error())
}

func TestError_UnwrapAndCodes(t *testing.T) {
	cause := errors.New("disk gone")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())
	assert.False(t, NewError(ErrCodeNotFound, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "x").IsRetryable())

	wrapped := NewError(ErrCodeUpdateFailed, "update").WithCause(NewError(ErrCodeNotFound, "gone"))
	assert.True(t, HasCode(wrapped, ErrCodeUpdateFailed))
	assert.True(t, IsNotFound(wrapped.Cause))
	assert.False(t, IsNotFound(cause))
}
