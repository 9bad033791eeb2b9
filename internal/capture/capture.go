// Package capture abstracts the OS-specific evidence sources: input hooks,
// active-window inspection, and screen capture. The core never depends on a
// concrete OS mechanism; platform implementations are selected at startup.
package capture

// InputKind classifies an input pulse from an ActivitySource.
type InputKind int

const (
	KindKeyboard InputKind = iota
	KindMouse
)

// Snapshot describes the focused window at a point in time.
type Snapshot struct {
	AppName     string
	WindowTitle string
	URL         string
}

// ActivitySource delivers input pulses from an OS hook (event tap, polling
// API). The callback may be invoked from any thread; implementations must
// stop delivering after Stop returns.
type ActivitySource interface {
	Start(fn func(kind InputKind)) error
	Stop()
}

// WindowSource reports the currently focused window.
type WindowSource interface {
	ActiveWindow() (Snapshot, error)
}

// ScreenSource captures the primary screen as a base64-encoded image and
// reports the encoding's file extension.
type ScreenSource interface {
	CaptureScreen() (image string, fileExt string, err error)
}
