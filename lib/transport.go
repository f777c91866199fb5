package lib

// FrameTransport is the engine's boundary to the virtual interface: a
// byte-oriented raw IP packet source and sink. One frame is one raw IP-layer
// packet. The interface behind it is provisioned (address assigned, link up)
// by the external harness before the engine starts.
type FrameTransport interface {
	// ReadFrame blocks until one raw IP frame is available and copies it
	// into buffer, returning its length.
	ReadFrame(buffer []byte) (int, error)

	// WriteFrame writes one raw IP frame.
	WriteFrame(frame []byte) (int, error)

	// Close releases the underlying device or pipe and unblocks ReadFrame.
	Close() error

	// Name identifies the transport for logging.
	Name() string

	// MTU reports the maximum frame size the transport can carry.
	MTU() int
}
