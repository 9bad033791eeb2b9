package capture

import "errors"

// ErrUnavailable is returned by sources with no platform backing.
var ErrUnavailable = errors.New("capture source unavailable on this platform")

// NopActivitySource is used when no input hook is available; it never
// delivers pulses, so idle detection stays dormant.
type NopActivitySource struct{}

func (NopActivitySource) Start(func(InputKind)) error { return nil }
func (NopActivitySource) Stop()                       {}

// NopWindowSource reports no focused window.
type NopWindowSource struct{}

func (NopWindowSource) ActiveWindow() (Snapshot, error) { return Snapshot{}, ErrUnavailable }

// NopScreenSource captures nothing.
type NopScreenSource struct{}

func (NopScreenSource) CaptureScreen() (string, string, error) { return "", "", ErrUnavailable }
