package apierror

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/rancher/norman/httperror"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		internal   bool
		status     int
	}{
		{
			name:       "validation",
			err:        NewValidation("schedule", "bad"),
			validation: true,
			status:     422,
		},
		{
			name:       "conflict",
			err:        NewConflict("exists"),
			validation: true,
			status:     409,
		},
		{
			name:     "internal",
			err:      NewInternal("boom", errors.New("cause")),
			internal: true,
			status:   500,
		},
		{
			name:       "wrapped validation",
			err:        errors.Wrap(NewValidation("cpu", "bad"), "creating job"),
			validation: true,
			status:     422,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.validation, IsValidation(tt.err))
			assert.Equal(t, tt.internal, IsInternal(tt.err))

			var e *Error
			if assert.True(t, errors.As(tt.err, &e)) {
				assert.Equal(t, tt.status, e.Status())
			}
		})
	}
}

func TestConflictDoesNotChangeNotUnique(t *testing.T) {
	assert.Equal(t, 409, NewConflict("exists").Status())
	assert.Equal(t, "NotUnique 409", NewConflict("exists").Code.String())
	assert.Equal(t, 422, httperror.NotUnique.Status)
}

func TestPlainErrorsAreNotClassified(t *testing.T) {
	err := errors.New("plain")
	assert.False(t, IsValidation(err))
	assert.False(t, IsInternal(err))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "schedule: bad value", NewValidation("schedule", "bad value").Error())
	assert.Equal(t, "exists", NewConflict("exists").Error())

	e := NewValidation("schedule", "bad").WithData("allowed", []string{"@daily"})
	assert.Equal(t, []string{"@daily"}, e.Data["allowed"])

	cause := errors.New("cause")
	assert.Equal(t, cause, errors.Cause(NewInternal("boom", cause).Unwrap()))
}
