package lib

import (
	"fmt"
	"io"
	"log"
	"net/netip"
	"sync"
	"time"
)

// ConnectionConfig carries the tunables of a single connection.
type ConnectionConfig struct {
	PreferredMSS     int           // our MSS offer; effective MSS is min(ours, peer's)
	RecvBufferSize   int           // receive buffer capacity; also bounds the advertised window
	SendBufferSize   int           // send buffer capacity; Write blocks when full
	RtoBase          time.Duration // first retransmission deadline
	RtoCap           time.Duration // backoff ceiling
	MaxRetransmits   int           // per-segment resend budget after which the connection fails
	HandshakeRetries int           // resend budget for SYN and SYN-ACK
	TimeWait         time.Duration // TIME_WAIT quiescence interval
	ReorderLimit     int           // max out-of-order segments buffered; overflow is dropped
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		PreferredMSS:     1400,
		RecvBufferSize:   65535,
		SendBufferSize:   65535,
		RtoBase:          200 * time.Millisecond,
		RtoCap:           10 * time.Second,
		MaxRetransmits:   8,
		HandshakeRetries: 5,
		TimeWait:         60 * time.Second,
		ReorderLimit:     64,
	}
}

// connectionParams holds the static identity of a connection.
type connectionParams struct {
	key        string
	isServer   bool
	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
	engine     *Engine
	listener   *Listener // server side: where to deliver once established
}

// sentPacket is one retransmittable segment awaiting acknowledgment.
type sentPacket struct {
	packet      *TcpPacket
	lastSentAt  time.Time
	deadline    time.Time
	resendCount int
}

// resendQueue holds the retained copies of every sequence-consuming segment
// sent but not yet cumulatively acknowledged. It is guarded by the owning
// connection's mutex.
type resendQueue struct {
	packets map[uint32]*sentPacket
}

func newResendQueue() *resendQueue {
	return &resendQueue{packets: make(map[uint32]*sentPacket)}
}

func (r *resendQueue) add(packet *TcpPacket, deadline time.Time) {
	r.packets[packet.SequenceNumber] = &sentPacket{
		packet:     packet,
		lastSentAt: time.Now(),
		deadline:   deadline,
	}
}

// ack removes every segment fully covered by the cumulative ack number and
// returns their payload chunks to the pool.
func (r *resendQueue) ack(ackNum uint32) {
	for seq, sp := range r.packets {
		end := SeqIncrementBy(seq, sp.packet.SegmentLength())
		if isLessOrEqual(end, ackNum) {
			delete(r.packets, seq)
			sp.packet.ReturnChunk()
		}
	}
}

// oldest returns the entry with the lowest sequence number in wraparound
// order, or nil if the queue is empty.
func (r *resendQueue) oldest() *sentPacket {
	var oldest *sentPacket
	for _, sp := range r.packets {
		if oldest == nil || isLess(sp.packet.SequenceNumber, oldest.packet.SequenceNumber) {
			oldest = sp
		}
	}
	return oldest
}

func (r *resendQueue) drop() {
	for seq, sp := range r.packets {
		delete(r.packets, seq)
		sp.packet.ReturnChunk()
	}
}

// Connection is one TCP connection record plus the application-facing stream
// interface. Protocol state is mutated by the engine loop (inbound segments,
// timer ticks) and by application calls, all under mu.
type Connection struct {
	params *connectionParams
	config *ConnectionConfig

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	state State

	// send sequence space (RFC 793 s3.2)
	iss    uint32 // initial send sequence number
	sndUna uint32 // oldest unacknowledged sequence number
	sndNxt uint32 // next sequence number to send
	sndWnd uint16 // peer's last advertised window

	// receive sequence space
	irs    uint32 // initial receive sequence number
	rcvNxt uint32 // next sequence number expected

	mss uint16 // effective MSS after negotiation

	sendBuf    []byte // unacknowledged + unsent bytes, contiguous
	sendBufSeq uint32 // sequence number of sendBuf[0]

	recvBuf     []byte                // in-order bytes not yet read by the application
	oooSegments map[uint32]*TcpPacket // out-of-order segments keyed by SEQ, bounded

	resendQ *resendQueue

	finSent     bool
	finSeq      uint32 // sequence number our FIN consumed, valid when finSent
	finReceived bool
	writeClosed bool // application closed its write side; FIN queued or sent

	timeWaitDeadline time.Time

	connErr  error // terminal error surfaced to the stream interface
	isClosed bool

	handshakeDone chan struct{} // closed once the handshake resolves either way
	handshakeOnce sync.Once
}

func newConnection(params *connectionParams, config *ConnectionConfig) (*Connection, error) {
	isn, err := GenerateISN()
	if err != nil {
		return nil, err
	}
	c := &Connection{
		params:        params,
		config:        config,
		state:         StateClosed,
		iss:           isn,
		sndUna:        isn,
		sndNxt:        isn,
		sendBufSeq:    SeqIncrement(isn), // first data byte follows the SYN
		mss:           uint16(config.PreferredMSS),
		oooSegments:   make(map[uint32]*TcpPacket),
		resendQ:       newResendQueue(),
		handshakeDone: make(chan struct{}),
	}
	c.readCond = sync.NewCond(&c.mu)
	c.writeCond = sync.NewCond(&c.mu)
	return c, nil
}

// State reports the current protocol state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LocalAddr() netip.AddrPort {
	return netip.AddrPortFrom(c.params.localAddr, c.params.localPort)
}

func (c *Connection) RemoteAddr() netip.AddrPort {
	return netip.AddrPortFrom(c.params.remoteAddr, c.params.remotePort)
}

// advertisedWindow recomputes the window offered to the peer from
// receive-buffer headroom. Called with mu held (or before the record is
// shared).
func (c *Connection) advertisedWindow() uint16 {
	headroom := c.config.RecvBufferSize - len(c.recvBuf)
	if headroom < 0 {
		headroom = 0
	}
	if headroom > 0xffff {
		headroom = 0xffff
	}
	return uint16(headroom)
}

// negotiateMss lowers the effective MSS to the peer's offer.
func (c *Connection) negotiateMss(peerMss uint16) {
	if peerMss > 0 && peerMss < c.mss {
		c.mss = peerMss
	}
}

// ---- outbound segment construction; all called with mu held ----

func (c *Connection) emit(packet *TcpPacket, signalling bool) {
	c.params.engine.emitPacket(packet, signalling)
}

// queueRetransmit retains a sequence-consuming segment until it is
// cumulatively acknowledged.
func (c *Connection) queueRetransmit(packet *TcpPacket) {
	c.resendQ.add(packet, time.Now().Add(c.config.RtoBase))
}

func (c *Connection) sendSyn() {
	packet := NewTcpPacket(c.sndNxt, 0, SYNFlag, nil, c)
	packet.Mss = uint16(c.config.PreferredMSS)
	c.queueRetransmit(packet)
	c.sndNxt = SeqIncrement(c.sndNxt)
	c.emit(packet, true)
}

func (c *Connection) sendSynAck() {
	packet := NewTcpPacket(c.sndNxt, c.rcvNxt, SYNFlag|ACKFlag, nil, c)
	packet.Mss = uint16(c.config.PreferredMSS)
	c.queueRetransmit(packet)
	c.sndNxt = SeqIncrement(c.sndNxt)
	c.emit(packet, true)
}

func (c *Connection) sendAck() {
	c.emit(NewTcpPacket(c.sndNxt, c.rcvNxt, ACKFlag, nil, c), true)
}

func (c *Connection) sendFin() {
	packet := NewTcpPacket(c.sndNxt, c.rcvNxt, FINFlag|ACKFlag, nil, c)
	c.queueRetransmit(packet)
	c.finSent = true
	c.finSeq = c.sndNxt
	c.sndNxt = SeqIncrement(c.sndNxt)
	c.emit(packet, true)

	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	}
}

func (c *Connection) sendRst() {
	c.emit(NewTcpPacket(c.sndNxt, c.rcvNxt, RSTFlag|ACKFlag, nil, c), true)
}

// pumpSend transmits as much buffered data as the peer's advertised window
// permits, then queues our FIN once the buffer is drained and the application
// has closed its write side. Called with mu held.
func (c *Connection) pumpSend() {
	for c.state == StateEstablished || c.state == StateCloseWait {
		unsentOffset := int(seqDistance(c.sndNxt, c.sendBufSeq))
		if unsentOffset >= len(c.sendBuf) {
			break
		}
		inFlight := int(seqDistance(c.sndNxt, c.sndUna))
		windowRoom := int(c.sndWnd) - inFlight
		if windowRoom <= 0 {
			break // never exceed the peer's advertised window
		}
		n := len(c.sendBuf) - unsentOffset
		if n > int(c.mss) {
			n = int(c.mss)
		}
		if n > windowRoom {
			n = windowRoom
		}
		packet := NewTcpPacket(c.sndNxt, c.rcvNxt, ACKFlag|PSHFlag, c.sendBuf[unsentOffset:unsentOffset+n], c)
		if packet == nil {
			log.Printf("connection %s: payload pool exhausted, delaying send", c.params.key)
			break
		}
		c.queueRetransmit(packet)
		c.sndNxt = SeqIncrementBy(c.sndNxt, uint32(n))
		c.emit(packet, false)
	}

	if c.writeClosed && !c.finSent &&
		(c.state == StateEstablished || c.state == StateCloseWait) &&
		int(seqDistance(c.sndNxt, c.sendBufSeq)) >= len(c.sendBuf) {
		c.sendFin()
	}
}

// ---- inbound segment processing ----

// handleSegment advances the state machine for one inbound segment. It owns
// the packet: the payload chunk is either consumed here or stashed in the
// reorder buffer.
func (c *Connection) handleSegment(packet *TcpPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		packet.ReturnChunk()
		return
	}

	if packet.Flags&RSTFlag != 0 {
		c.handleRst(packet)
		return
	}

	switch c.state {
	case StateSynSent:
		c.handleSegmentSynSent(packet)
		return
	case StateSynReceived:
		if !c.handleSegmentSynReceived(packet) {
			return
		}
		// fall through: the promoting segment may carry data or FIN
	}

	if !c.state.synchronized() {
		packet.ReturnChunk()
		return
	}

	if packet.Flags&ACKFlag != 0 {
		c.processAck(packet)
		if c.isClosed {
			packet.ReturnChunk()
			return
		}
	}

	if c.state == StateTimeWait {
		// Absorb duplicates during quiescence: re-ACK and restart the timer.
		c.sendAck()
		c.timeWaitDeadline = time.Now().Add(c.config.TimeWait)
		packet.ReturnChunk()
		return
	}

	c.processData(packet)
}

// handleRst tears the connection down on an inbound reset. A reset is only
// honored when it is plausibly in sequence, so a blind stray segment cannot
// kill the connection.
func (c *Connection) handleRst(packet *TcpPacket) {
	acceptable := false
	switch c.state {
	case StateSynSent:
		acceptable = packet.Flags&ACKFlag != 0 && packet.AcknowledgmentNum == c.sndNxt
	default:
		wnd := uint32(c.advertisedWindow())
		acceptable = packet.SequenceNumber == c.rcvNxt ||
			(isGreater(packet.SequenceNumber, c.rcvNxt) && isLess(packet.SequenceNumber, SeqIncrementBy(c.rcvNxt, wnd)))
	}
	packet.ReturnChunk()
	if !acceptable {
		return
	}
	c.teardown(ErrConnectionReset, false)
}

// handleSegmentSynSent completes the client side of the handshake.
func (c *Connection) handleSegmentSynSent(packet *TcpPacket) {
	defer packet.ReturnChunk()

	if packet.Flags&(SYNFlag|ACKFlag) != SYNFlag|ACKFlag {
		return
	}
	if packet.AcknowledgmentNum != c.sndNxt { // must acknowledge exactly our SYN
		return
	}

	c.irs = packet.SequenceNumber
	c.rcvNxt = SeqIncrement(packet.SequenceNumber)
	c.sndUna = packet.AcknowledgmentNum
	c.sndWnd = packet.WindowSize
	c.negotiateMss(packet.Mss)
	c.resendQ.ack(packet.AcknowledgmentNum)
	c.state = StateEstablished
	c.sendAck()
	c.handshakeOnce.Do(func() { close(c.handshakeDone) })
}

// handleSegmentSynReceived waits for the ACK that completes the server side of
// the handshake. Returns true when the segment should continue into
// established-state processing (the promoting ACK may piggyback data).
func (c *Connection) handleSegmentSynReceived(packet *TcpPacket) bool {
	if packet.Flags&SYNFlag != 0 {
		// Retransmitted SYN: our SYN-ACK resend timer answers it.
		packet.ReturnChunk()
		return false
	}
	if packet.Flags&ACKFlag == 0 || packet.AcknowledgmentNum != c.sndNxt {
		// Anything not acknowledging our SYN is discarded in this state.
		packet.ReturnChunk()
		return false
	}

	c.sndUna = packet.AcknowledgmentNum
	c.sndWnd = packet.WindowSize
	c.resendQ.ack(packet.AcknowledgmentNum)
	c.state = StateEstablished
	c.handshakeOnce.Do(func() { close(c.handshakeDone) })

	if c.params.listener != nil && !c.params.listener.deliver(c) {
		// Nobody can accept the connection; abort it.
		packet.ReturnChunk()
		c.sendRst()
		c.teardown(ErrConnectionReset, false)
		return false
	}
	return true
}

// processAck applies a cumulative acknowledgment and window update, then
// pushes out any newly permitted data.
func (c *Connection) processAck(packet *TcpPacket) {
	ackNum := packet.AcknowledgmentNum

	if isGreater(ackNum, c.sndUna) && isLessOrEqual(ackNum, c.sndNxt) {
		c.sndUna = ackNum
		c.resendQ.ack(ackNum)

		// Trim acknowledged bytes off the send buffer.
		if isGreater(ackNum, c.sendBufSeq) {
			n := int(seqDistance(ackNum, c.sendBufSeq))
			if n > len(c.sendBuf) {
				n = len(c.sendBuf) // ack covers our FIN, not buffer bytes
			}
			c.sendBuf = c.sendBuf[n:]
			c.sendBufSeq = SeqIncrementBy(c.sendBufSeq, uint32(n))
			c.writeCond.Broadcast()
		}

		if c.finSent && c.sndUna == c.sndNxt {
			// Our FIN is acknowledged.
			switch c.state {
			case StateFinWait1:
				c.state = StateFinWait2
			case StateClosing:
				c.enterTimeWait()
			case StateLastAck:
				c.teardown(nil, false)
				return
			}
		}
	}

	// Window update. Taking the latest segment's window keeps this simple;
	// reordered updates are corrected by the next ACK.
	c.sndWnd = packet.WindowSize
	c.pumpSend()
}

// processData ingests payload bytes and a possible FIN, following the reorder
// rule: in-order data is merged immediately, out-of-order segments are parked
// in a bounded side buffer until the gap fills.
func (c *Connection) processData(packet *TcpPacket) {
	seq := packet.SequenceNumber
	hasPayload := len(packet.Payload) > 0
	hasFin := packet.Flags&FINFlag != 0

	if !hasPayload && !hasFin {
		packet.ReturnChunk()
		return
	}

	switch {
	case isLessOrEqual(seq, c.rcvNxt):
		// In order, possibly overlapping data we already have.
		c.ingestSegment(packet)
		c.mergeReordered()
		c.sendAck()
		c.readCond.Broadcast()
	case len(c.oooSegments) < c.config.ReorderLimit && c.withinReceiveWindow(seq):
		if _, dup := c.oooSegments[seq]; dup {
			packet.ReturnChunk()
		} else {
			c.oooSegments[seq] = packet
		}
		c.sendAck() // duplicate ACK tells the peer what we still expect
		return
	default:
		// Reorder budget exceeded or out of window: drop, re-ACK the cursor.
		packet.ReturnChunk()
		c.sendAck()
		return
	}

	packet.ReturnChunk()
}

func (c *Connection) withinReceiveWindow(seq uint32) bool {
	wnd := uint32(c.advertisedWindow())
	if wnd == 0 {
		return false
	}
	return isGreater(seq, c.rcvNxt) && isLess(seq, SeqIncrementBy(c.rcvNxt, wnd))
}

// ingestSegment merges one segment whose start is at or before rcvNxt,
// advancing the receive cursor past its payload and FIN. Called with mu held.
func (c *Connection) ingestSegment(packet *TcpPacket) {
	payload := packet.Payload
	seq := packet.SequenceNumber

	if len(payload) > 0 {
		// Skip any prefix we already received.
		if isLess(seq, c.rcvNxt) {
			overlap := int(seqDistance(c.rcvNxt, seq))
			if overlap >= len(payload) {
				payload = nil
			} else {
				payload = payload[overlap:]
			}
		}
		if len(payload) > 0 {
			headroom := c.config.RecvBufferSize - len(c.recvBuf)
			if len(payload) > headroom {
				// Beyond our advertised window; the peer retransmits the rest.
				payload = payload[:headroom]
			}
			c.recvBuf = append(c.recvBuf, payload...)
			c.rcvNxt = SeqIncrementBy(c.rcvNxt, uint32(len(payload)))
		}
	}

	if packet.Flags&FINFlag != 0 {
		finSeq := SeqIncrementBy(packet.SequenceNumber, uint32(len(packet.Payload)))
		if finSeq == c.rcvNxt && !c.finReceived {
			c.rcvNxt = SeqIncrement(c.rcvNxt)
			c.finReceived = true
			c.readCond.Broadcast()
			switch c.state {
			case StateEstablished:
				c.state = StateCloseWait
			case StateFinWait1:
				if c.finSent && c.sndUna == c.sndNxt {
					c.enterTimeWait()
				} else {
					c.state = StateClosing
				}
			case StateFinWait2:
				c.enterTimeWait()
			}
		}
	}
}

// mergeReordered drains the reorder buffer for as long as the next expected
// segment is present.
func (c *Connection) mergeReordered() {
	for {
		merged := false
		for seq, packet := range c.oooSegments {
			if isLessOrEqual(seq, c.rcvNxt) {
				delete(c.oooSegments, seq)
				c.ingestSegment(packet)
				packet.ReturnChunk()
				merged = true
				break
			}
		}
		if !merged {
			return
		}
	}
}

func (c *Connection) enterTimeWait() {
	c.state = StateTimeWait
	c.timeWaitDeadline = time.Now().Add(c.config.TimeWait)
}

// ---- timers ----

// onTick services the retransmission and TIME_WAIT deadlines. Only the oldest
// unacknowledged segment is resent, with exponentially increasing backoff.
func (c *Connection) onTick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return
	}

	if c.state == StateTimeWait {
		if now.After(c.timeWaitDeadline) {
			c.teardown(nil, false)
		}
		return
	}

	// Re-drive sends that stalled on payload pool exhaustion: with the
	// resend queue empty there is no other path back to the send buffer.
	if c.state == StateEstablished || c.state == StateCloseWait {
		c.pumpSend()
	}

	sp := c.resendQ.oldest()
	if sp == nil || now.Before(sp.deadline) {
		return
	}

	limit := c.config.MaxRetransmits
	handshake := c.state == StateSynSent || c.state == StateSynReceived
	if handshake {
		limit = c.config.HandshakeRetries
	}
	if sp.resendCount >= limit {
		if handshake && c.params.isServer {
			// Handshake abandoned; nobody ever saw this record.
			c.teardown(nil, false)
		} else {
			c.teardown(ErrConnectionTimedOut, false)
		}
		return
	}

	// Resend a copy carrying the current cursor and window. The copy owns
	// its payload chunk: the queued original's chunk can be reclaimed by an
	// ACK while the writer still holds the copy.
	resend := sp.packet.duplicate()
	if resend == nil {
		return // pool exhausted, retry on the next tick
	}

	sp.resendCount++
	backoff := c.config.RtoBase << uint(sp.resendCount)
	if backoff > c.config.RtoCap {
		backoff = c.config.RtoCap
	}
	sp.lastSentAt = now
	sp.deadline = now.Add(backoff)

	resend.AcknowledgmentNum = c.rcvNxt
	resend.WindowSize = c.advertisedWindow()
	if resend.Flags&SYNFlag == 0 && c.state.synchronized() {
		resend.Flags |= ACKFlag
	}
	c.emit(resend, len(resend.Payload) == 0)
}

// ---- teardown ----

// teardown moves the record to CLOSED, releases its resources and removes it
// from the connection table. A non-nil err is surfaced to any pending or
// future stream call. Called with mu held unless lock is true.
func (c *Connection) teardown(err error, lock bool) {
	if lock {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.state = StateClosed
	if err != nil {
		c.connErr = err
	}
	c.resendQ.drop()
	for seq, packet := range c.oooSegments {
		delete(c.oooSegments, seq)
		packet.ReturnChunk()
	}
	c.readCond.Broadcast()
	c.writeCond.Broadcast()
	c.handshakeOnce.Do(func() { close(c.handshakeDone) })
	c.params.engine.removeConnection(c)
}

// abort resets the peer and reclaims the record immediately. Used on engine
// shutdown.
func (c *Connection) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	if c.state.synchronized() {
		c.sendRst()
	}
	c.teardown(err, false)
}

// ---- stream interface ----

// Read returns available receive-buffer bytes, blocking while none are
// available. It returns io.EOF once the peer's FIN is reached and all prior
// data has been drained.
func (c *Connection) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if len(c.recvBuf) > 0 {
			wasFull := c.advertisedWindow() == 0
			n := copy(b, c.recvBuf)
			c.recvBuf = c.recvBuf[n:]
			if wasFull && !c.isClosed {
				// Window reopened; tell the peer without waiting for data.
				c.sendAck()
			}
			return n, nil
		}
		if c.connErr != nil {
			return 0, c.connErr
		}
		if c.finReceived {
			return 0, io.EOF
		}
		if c.isClosed || !c.state.synchronized() {
			return 0, ErrNotConnected
		}
		c.readCond.Wait()
	}
}

// Write appends to the send buffer and returns once all bytes are accepted,
// not once they are acknowledged. It blocks for backpressure when the buffer
// is full; transmission itself is gated by the peer's advertised window.
func (c *Connection) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for len(b) > 0 {
		if c.connErr != nil {
			return written, c.connErr
		}
		if c.writeClosed || (c.state != StateEstablished && c.state != StateCloseWait) {
			return written, ErrNotConnected
		}
		room := c.config.SendBufferSize - len(c.sendBuf)
		if room == 0 {
			c.writeCond.Wait()
			continue
		}
		n := len(b)
		if n > room {
			n = room
		}
		c.sendBuf = append(c.sendBuf, b[:n]...)
		b = b[n:]
		written += n
		c.pumpSend()
	}
	return written, nil
}

// Close initiates the FIN sequence. Buffered data is still delivered; the FIN
// goes out once the send buffer drains.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return nil
	}
	switch c.state {
	case StateSynSent, StateSynReceived:
		c.teardown(nil, false)
		return nil
	case StateEstablished, StateCloseWait:
		if c.writeClosed {
			return nil
		}
		c.writeClosed = true
		c.pumpSend()
		return nil
	case StateFinWait1, StateFinWait2, StateClosing, StateTimeWait, StateLastAck:
		return nil
	default:
		return fmt.Errorf("close: %w", ErrNotConnected)
	}
}
