package lib

import "errors"

// Error taxonomy of the engine. The first two are recovered locally by the
// engine loop (drop the frame and continue); the rest surface to callers of
// the stream interface or of Listen/Dial.
var (
	ErrMalformedHeader     = errors.New("malformed header")
	ErrChecksumInvalid     = errors.New("checksum invalid")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrConnectionReset     = errors.New("connection reset by peer")
	ErrConnectionTimedOut  = errors.New("connection timed out")
	ErrNotConnected        = errors.New("not connected")
	ErrEngineClosed        = errors.New("engine closed")
)
