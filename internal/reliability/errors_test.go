package reliability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("permission denied")
	err := fmt.Errorf("connect: %w", DeviceError("open microphone", cause))

	assert.Equal(t, KindDevice, KindOf(err))
	assert.True(t, IsKind(err, KindDevice))
	assert.False(t, IsKind(err, KindAuth))
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "connect: open microphone: permission denied", err.Error())
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, AuthError("token", nil))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestConstructorsSetKind(t *testing.T) {
	base := errors.New("x")
	cases := map[Kind]error{
		KindAuth:      AuthError("op", base),
		KindTransport: TransportError("op", base),
		KindDevice:    DeviceError("op", base),
		KindService:   ServiceError("op", base),
	}
	for want, err := range cases {
		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, want, e.Kind)
		assert.Equal(t, "op", e.Op)
	}
}
