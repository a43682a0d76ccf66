package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViolations_EmptyIsValid(t *testing.T) {
	var vs Violations
	assert.NoError(t, vs.Err())
}

func TestViolations_WarningsDoNotReject(t *testing.T) {
	var vs Violations
	vs.Warn("node_execution_id", "ABORT_ALL ignores node execution id")

	assert.NoError(t, vs.Err())
	assert.Empty(t, vs.Rejecting())
	require.Len(t, vs, 1)
	assert.True(t, vs[0].Warning)
}

func TestViolations_SingleError(t *testing.T) {
	var vs Violations
	vs.Add("plan_execution_id", "plan execution id is required")

	err := vs.Err()
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeValidation, serr.Code)
	assert.Equal(t, "plan_execution_id: plan execution id is required", serr.Message)
	assert.Equal(t, []Violation{{Path: "plan_execution_id", Message: "plan execution id is required"}}, serr.Details["violations"])
}

func TestViolations_MultipleErrors(t *testing.T) {
	var vs Violations
	vs.Add("/", "err %d", 1)
	vs.Warn("/", "warn")
	vs.Add("/type", "err %d", 2)

	var serr *Error
	require.ErrorAs(t, vs.Err(), &serr)
	assert.Equal(t, "validation failed with 2 errors", serr.Message)
	assert.Len(t, serr.Details["violations"], 2)
	assert.Equal(t, 1, serr.Details["warnings"])
}

func TestViolation_String(t *testing.T) {
	assert.Equal(t, "/a: bad", Violation{Path: "/a", Message: "bad"}.String())
	assert.Equal(t, "bad", Violation{Message: "bad"}.String())
}
