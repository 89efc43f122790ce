package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorFormat(t *testing.T) {
	f := errors.New()
	cause := stderrors.New("exit status 1")

	tests := []struct {
		name string
		err  errors.Error
		want string
	}{
		{"code only", f.New(errors.ErrAlreadyRunning), "Another instance is already running"},
		{"with data", f.WithData(errors.ErrInvalidLogLevel, "loud"), "Invalid log level: loud"},
		{"wrapped", f.Wrap(errors.ErrEnableAutoFan, cause), "Failed to enable auto fan control: exit status 1"},
		{
			"wrapped with data",
			f.Wrap(errors.ErrReadConfig, cause).WithData("/etc/ipmifanctl.toml"),
			"Failed to read config file (/etc/ipmifanctl.toml): exit status 1",
		},
		{"custom message", f.WithMessage(errors.ErrInternal, "boom"), "boom"},
		{"unknown code", f.New(errors.ErrorCode("made_up")), "made_up"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrInvalidInterval)
	outer := f.Wrap(errors.ErrInvalidConfig, fmt.Errorf("load: %w", inner))

	assert.True(t, errors.HasCode(outer, errors.ErrInvalidConfig))
	assert.True(t, errors.HasCode(outer, errors.ErrInvalidInterval))
	assert.False(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(nil, errors.ErrTimeout))
	assert.False(t, errors.HasCode(stderrors.New("plain"), errors.ErrTimeout))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("denied")
	err := errors.New().Wrap(errors.ErrEnableManualFan, cause).WithData("raw 0x30 0x30 0x01 0x00")

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, errors.ErrEnableManualFan, err.Code())
	assert.Equal(t, "raw 0x30 0x30 0x01 0x00", err.GetData())
}
