package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoCredential          = errors.New("no session credential provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionClosed         = errors.New("session closed")
	ErrTRHandlerAlreadySet   = errors.New("track remote handler already set")
	ErrTLHandlerAlreadySet   = errors.New("track local handler already set")
	ErrEHandlerAlreadySet    = errors.New("event handler already set")
	ErrDeviceUnavailable     = errors.New("audio capture device unavailable")
	ErrNegotiationFailed     = errors.New("connection negotiation failed")
	ErrNegotiationTimeout    = errors.New("connection negotiation timed out")
)
