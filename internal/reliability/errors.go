package reliability

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the layer it came from.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindAuth      Kind = "auth"
	KindTransport Kind = "transport"
	KindDevice    Kind = "device"
	KindService   Kind = "service"
)

// Error carries a Kind and the operation that failed alongside the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AuthError wraps a credential or token acquisition failure.
func AuthError(op string, err error) error { return wrap(KindAuth, op, err) }

// TransportError wraps a failure to reach or keep a remote connection.
func TransportError(op string, err error) error { return wrap(KindTransport, op, err) }

// DeviceError wraps a capture device failure (missing device, permission denied).
func DeviceError(op string, err error) error { return wrap(KindDevice, op, err) }

// ServiceError wraps a failure reported by a remote service after it was reached.
func ServiceError(op string, err error) error { return wrap(KindService, op, err) }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
