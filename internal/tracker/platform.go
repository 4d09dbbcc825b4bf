package tracker

import "context"

// Tab is the daemon's view of one browser tab.
type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"window_id"`
	URL      string `json:"url"`
	Host     string `json:"host"`
	Active   bool   `json:"active"`
	Audible  bool   `json:"audible"`
}

// Platform is the capability surface the extension exposes back to the
// daemon: point-in-time queries about tabs and windows, and a message
// push channel. Query errors for vanished tabs are expected and treated
// as "no signal" by callers.
type Platform interface {
	ActiveTab(ctx context.Context) (Tab, error)
	WindowFocused(ctx context.Context, windowID int) (bool, error)
	ListTabs(ctx context.Context) ([]Tab, error)
	SendMessage(ctx context.Context, tabID int, message any) error
}
