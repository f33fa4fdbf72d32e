//go:build !portaudio

package audio

import (
	"context"

	"github.com/ent0n29/discussroom/internal/reliability"
)

// DefaultDevice returns the local microphone. Builds without the portaudio
// tag have none, so Open always fails with a device error.
func DefaultDevice() Device { return unavailableDevice{} }

type unavailableDevice struct{}

func (unavailableDevice) Open(context.Context, Format) (Source, error) {
	return nil, reliability.DeviceError("open local microphone", ErrNoDevice)
}
