package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf_WrappedSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("%w: at 2020-01-01", ErrInvalidTime), CodeInvalidTime},
		{fmt.Errorf("cancel abc: %w", ErrNotFound), CodeNotFound},
		{fmt.Errorf("set g1: %w", ErrForbidden), CodeForbidden},
		{fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrAlreadyTerminal)), CodeAlreadyTerminal},
		{fmt.Errorf("%w: per_day=3", ErrQuotaExceeded), CodeQuotaExceeded},
		{errors.New("disk full"), CodeInternal},
		{nil, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err))
	}
}

func TestIsCallerError(t *testing.T) {
	assert.True(t, IsCallerError(ErrForbidden))
	assert.True(t, IsCallerError(fmt.Errorf("x: %w", ErrInvalidArgument)))
	assert.False(t, IsCallerError(errors.New("io")))
	assert.False(t, IsCallerError(ErrDeliveryFailure))
	assert.False(t, IsCallerError(nil))
}
