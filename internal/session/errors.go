package session

import "errors"

// Sentinel errors for session outcomes. Callers distinguish failure modes
// with errors.Is; every one of these still takes the same cleanup path.
var (
	ErrSessionActive  = errors.New("session: a session is already active")
	ErrTransport      = errors.New("session: transport failure")
	ErrServerRejected = errors.New("session: server rejected parameters")
	ErrStalled        = errors.New("session: stream stalled")
)
