package backend

import "github.com/pkg/errors"

// Backend kinds selectable through configuration.
const (
	KindSDK    = "sdk"
	KindRaw    = "mavlink"
	KindBridge = "rest"
)

// New returns a disconnected adapter of the given kind.
func New(kind, vehicleID string) (Backend, error) {
	switch kind {
	case KindSDK:
		return NewSDK(vehicleID), nil
	case KindRaw:
		return NewRaw(vehicleID), nil
	case KindBridge:
		return NewRESTBridge(vehicleID), nil
	}
	return nil, errors.Errorf("unknown backend kind %q", kind)
}
