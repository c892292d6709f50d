package delivery

import "errors"

var (
	// ErrAlreadyRunning rejects a drain request while a pass is active. Requests are never queued.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotAuthenticated aborts a pass when the session is not logged in. Items stay pending.
	ErrNotAuthenticated = errors.New("authentication required")
	// ErrControlNotFound means the compose input or the send control could not be located.
	ErrControlNotFound = errors.New("input/send control not found")
	// ErrDrainInProgress rejects session operations that would touch the page during a pass.
	ErrDrainInProgress = errors.New("a drain is in progress")
	// ErrSessionBusy rejects a pass or another session operation while a session operation drives the page.
	ErrSessionBusy = errors.New("a session operation is in progress")
)
