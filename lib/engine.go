package lib

import (
	"fmt"
	"log"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EngineConfig carries the engine-wide tunables.
type EngineConfig struct {
	LocalAddr       string        // address assigned to the interface by the harness
	PreferredMSS    int           // default MSS offer for new connections
	PayloadPoolSize int           // number of payload chunks in the ring pool
	TickInterval    time.Duration // granularity of the retransmission/TIME_WAIT timer
	ClientPortLower int           // ephemeral port range for Dial
	ClientPortUpper int
	Debug           bool              // per-frame decode summaries via gopacket
	ConnConfig      *ConnectionConfig // defaults for Listen/Dial; nil means DefaultConnectionConfig
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		PreferredMSS:    1400,
		PayloadPoolSize: 2000,
		TickInterval:    25 * time.Millisecond,
		ClientPortLower: 32768,
		ClientPortUpper: 60999,
		ConnConfig:      DefaultConnectionConfig(),
	}
}

// Engine is the user-space TCP engine bound to one frame transport. A single
// loop goroutine owns inbound decode, demultiplexing and state-machine
// dispatch; a ticker goroutine services per-connection deadlines; a writer
// goroutine drains the output channels in order, signalling packets first.
type Engine struct {
	config    *EngineConfig
	localAddr netip.Addr
	transport FrameTransport
	table     *connectionTable

	outputChan, sigOutputChan chan *TcpPacket

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	done    chan struct{}
	errOnce sync.Once
	errMu   sync.Mutex
	err     error

	ipId  uint32 // IPv4 identification counter, touched only by the writer goroutine
	ports *portPool
}

// NewEngine starts the engine on the given transport. The interface behind the
// transport must already be provisioned and up; that is the harness's job.
func NewEngine(config *EngineConfig, transport FrameTransport) (*Engine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.ConnConfig == nil {
		config.ConnConfig = DefaultConnectionConfig()
	}
	localAddr, err := netip.ParseAddr(config.LocalAddr)
	if err != nil || !localAddr.Is4() {
		return nil, fmt.Errorf("engine local address %q is not a valid IPv4 address", config.LocalAddr)
	}
	if config.ClientPortLower < 1 || config.ClientPortUpper > 65535 || config.ClientPortLower >= config.ClientPortUpper {
		return nil, fmt.Errorf("engine ephemeral port range %d-%d is invalid", config.ClientPortLower, config.ClientPortUpper)
	}

	if Pool == nil {
		Pool = rp.NewRingPool("TUNTCP: ", config.PayloadPoolSize, NewPayload, config.PreferredMSS)
	}

	e := &Engine{
		config:        config,
		localAddr:     localAddr,
		transport:     transport,
		table:         newConnectionTable(),
		outputChan:    make(chan *TcpPacket, 256),
		sigOutputChan: make(chan *TcpPacket, 256),
		closeSignal:   make(chan struct{}),
		done:          make(chan struct{}),
	}
	e.ports = newPortPool(uint16(config.ClientPortLower), uint16(config.ClientPortUpper),
		rand.New(rand.NewSource(time.Now().UnixNano())))

	e.wg.Add(3)
	go e.handleIncomingFrames()
	go e.handleOutgoingPackets()
	go e.handleTimers()

	log.Printf("TCP engine started on %s (%s)", transport.Name(), localAddr)
	return e, nil
}

// Done is closed when the engine dies of an unrecoverable transport error; the
// host should then call Close and exit.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err reports the fatal error, if any, after Done is closed.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Engine) fail(err error) {
	e.errOnce.Do(func() {
		e.errMu.Lock()
		e.err = err
		e.errMu.Unlock()
		close(e.done)
	})
}

// ---- inbound path ----

func (e *Engine) handleIncomingFrames() {
	defer e.wg.Done()

	buffer := make([]byte, bufferLength+IpHeaderMaxLength+TcpHeaderLength+TcpOptionsMaxLength)
	for {
		n, err := e.transport.ReadFrame(buffer)
		if err != nil {
			select {
			case <-e.closeSignal:
				return
			default:
			}
			// Transport failure is fatal to the whole engine.
			log.Println("engine: transport read failed:", err)
			e.fail(fmt.Errorf("transport read: %w", err))
			return
		}
		e.processFrame(buffer[:n])
	}
}

// processFrame decodes one raw IP frame and routes the TCP segment inside it.
// Malformed frames and checksum failures are dropped silently: TCP semantics
// treat a bad checksum as if the segment never arrived.
func (e *Engine) processFrame(frame []byte) {
	iph, err := UnmarshalIpv4Header(frame)
	if err != nil {
		if e.config.Debug {
			log.Println("engine: dropping frame:", err)
		}
		return
	}
	if iph.Protocol != ProtocolTCP {
		return
	}
	if iph.DstAddr != e.localAddr {
		return // not a router; only frames addressed to us
	}

	// Summarize before checksum verification: the scratch space below
	// overwrites IP header bytes the decoder needs.
	var summary string
	if e.config.Debug {
		summary = summarizeFrame(frame[:iph.TotalLength])
	}

	segment := frame[iph.HeaderLength:iph.TotalLength]
	// The 12 bytes in front of the segment sit inside the already-parsed IP
	// header and serve as scratch space for the pseudo header.
	if !VerifyChecksum(frame[iph.HeaderLength-TcpPseudoHeaderLength:iph.TotalLength], iph.SrcAddr, iph.DstAddr) {
		if e.config.Debug {
			log.Println("engine: TCP checksum mismatch, dropping frame")
		}
		return
	}

	packet := &TcpPacket{}
	if err := packet.Unmarshal(segment, iph.SrcAddr, iph.DstAddr); err != nil {
		if e.config.Debug {
			log.Println("engine: dropping segment:", err)
		}
		return
	}

	if e.config.Debug {
		log.Println("engine: rx", summary)
	}

	// Full-identity lookup first, then the listening port for SYNs.
	key := connKey(iph.DstAddr, packet.DestinationPort, iph.SrcAddr, packet.SourcePort)
	if conn := e.table.find(key); conn != nil {
		conn.handleSegment(packet)
		return
	}

	if packet.Flags&SYNFlag != 0 && packet.Flags&ACKFlag == 0 {
		if l := e.table.findListener(packet.DestinationPort); l != nil && !l.isClosed() {
			e.handleSynPacket(l, key, packet)
			return
		}
	}

	// Segment addressed to nothing: answer with a single RST, never to a RST.
	if packet.Flags&RSTFlag == 0 {
		e.sendRstFor(packet)
	}
	packet.ReturnChunk()
}

// handleSynPacket allocates a connection record for a valid SYN to a listening
// port and replies SYN-ACK.
func (e *Engine) handleSynPacket(l *Listener, key string, packet *TcpPacket) {
	defer packet.ReturnChunk()

	params := &connectionParams{
		key:        key,
		isServer:   true,
		localAddr:  packet.DstAddr,
		localPort:  packet.DestinationPort,
		remoteAddr: packet.SrcAddr,
		remotePort: packet.SourcePort,
		engine:     e,
		listener:   l,
	}
	conn, err := newConnection(params, l.connConfig)
	if err != nil {
		log.Printf("engine: error creating connection for %s: %s", key, err)
		return
	}

	conn.irs = packet.SequenceNumber
	conn.rcvNxt = SeqIncrement(packet.SequenceNumber)
	conn.sndWnd = packet.WindowSize
	conn.negotiateMss(packet.Mss)
	conn.state = StateSynReceived

	if err := e.table.insert(key, conn); err != nil {
		// Invariant violation for this attempt only; the loop carries on.
		log.Printf("engine: %s", err)
		return
	}

	conn.mu.Lock()
	conn.sendSynAck()
	conn.mu.Unlock()
}

// sendRstFor replies to a segment that matched no connection, following TCP's
// closed-port contract.
func (e *Engine) sendRstFor(in *TcpPacket) {
	out := &TcpPacket{
		SrcAddr:         in.DstAddr,
		DstAddr:         in.SrcAddr,
		SourcePort:      in.DestinationPort,
		DestinationPort: in.SourcePort,
	}
	if in.Flags&ACKFlag != 0 {
		out.Flags = RSTFlag
		out.SequenceNumber = in.AcknowledgmentNum
	} else {
		out.Flags = RSTFlag | ACKFlag
		out.AcknowledgmentNum = SeqIncrementBy(in.SequenceNumber, in.SegmentLength())
	}
	e.emitPacket(out, true)
}

// ---- outbound path ----

// emitPacket hands a packet to the writer goroutine. Signalling packets (SYN,
// FIN, RST, bare ACKs) take the priority channel so control traffic is never
// stuck behind a burst of data.
func (e *Engine) emitPacket(packet *TcpPacket, signalling bool) {
	ch := e.outputChan
	if signalling {
		ch = e.sigOutputChan
	}
	select {
	case <-e.closeSignal:
	case ch <- packet:
	}
}

func (e *Engine) handleOutgoingPackets() {
	defer e.wg.Done()

	// Frame layout: the IPv4 header overwrites the pad and pseudo-header
	// bytes once the TCP checksum is computed, so no copy is needed.
	const pad = IpHeaderLength - TcpPseudoHeaderLength
	frameBytes := make([]byte, pad+TcpPseudoHeaderLength+bufferLength+TcpHeaderLength+TcpOptionsMaxLength)

	var packet *TcpPacket
	for {
		// Prefer signalling packets over data packets.
		select {
		case <-e.closeSignal:
			return
		case packet = <-e.sigOutputChan:
		default:
			select {
			case <-e.closeSignal:
				return
			case packet = <-e.sigOutputChan:
			case packet = <-e.outputChan:
			}
		}

		n, err := packet.Marshal(frameBytes[pad:])
		if err != nil {
			log.Println("engine: error marshalling packet:", err)
			e.releaseTransient(packet)
			continue
		}
		e.ipId++
		if _, err := MarshalIpv4Header(frameBytes[:IpHeaderLength], packet.SrcAddr, packet.DstAddr, uint16(e.ipId), n); err != nil {
			log.Println("engine: error marshalling IP header:", err)
			e.releaseTransient(packet)
			continue
		}
		frame := frameBytes[:IpHeaderLength+n]
		if e.config.Debug {
			log.Println("engine: tx", summarizeFrame(frame))
		}
		if _, err := e.transport.WriteFrame(frame); err != nil {
			log.Println("engine: error writing frame:", err, "- skipping packet")
		}
		e.releaseTransient(packet)
	}
}

// releaseTransient returns the payload chunk of a retransmit copy; packets
// retained in a resend queue keep theirs until acknowledged.
func (e *Engine) releaseTransient(packet *TcpPacket) {
	if packet.transient {
		packet.ReturnChunk()
	}
}

// ---- timers ----

func (e *Engine) handleTimers() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeSignal:
			return
		case now := <-ticker.C:
			for _, conn := range e.table.snapshot() {
				conn.onTick(now)
			}
		}
	}
}

// ---- listen / dial ----

// Listener accepts inbound connections on one local port.
type Listener struct {
	engine         *Engine
	port           uint16
	connConfig     *ConnectionConfig
	newConnChannel chan *Connection
	closeSignal    chan struct{}
	closeOnce      sync.Once
}

// Listen registers a listening port. connConfig may be nil to use the
// engine-wide defaults.
func (e *Engine) Listen(port uint16, connConfig *ConnectionConfig) (*Listener, error) {
	if connConfig == nil {
		connConfig = e.config.ConnConfig
	}
	l := &Listener{
		engine:         e,
		port:           port,
		connConfig:     connConfig,
		newConnChannel: make(chan *Connection, 128),
		closeSignal:    make(chan struct{}),
	}
	if err := e.table.insertListener(port, l); err != nil {
		return nil, err
	}
	log.Printf("engine: listening on %s:%d", e.localAddr, port)
	return l, nil
}

// Accept waits for the next fully established inbound connection.
func (l *Listener) Accept() (*Connection, error) {
	select {
	case <-l.closeSignal:
		return nil, fmt.Errorf("accept: listener closed")
	case <-l.engine.closeSignal:
		return nil, fmt.Errorf("accept: %w", ErrEngineClosed)
	case conn := <-l.newConnChannel:
		return conn, nil
	}
}

// deliver queues an established connection for Accept. Returns false when the
// backlog is full or the listener is gone.
func (l *Listener) deliver(conn *Connection) bool {
	select {
	case <-l.closeSignal:
		return false
	default:
	}
	select {
	case l.newConnChannel <- conn:
		return true
	default:
		return false
	}
}

func (l *Listener) isClosed() bool {
	select {
	case <-l.closeSignal:
		return true
	default:
		return false
	}
}

// Close stops accepting new connections. Connections already established stay
// alive; half-open handshakes run out their retry budget and are reclaimed.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeSignal)
		l.engine.table.removeListener(l.port)
	})
	return nil
}

// Dial performs an active open to remoteAddr:remotePort from a random
// ephemeral local port.
func (e *Engine) Dial(remoteAddr string, remotePort uint16, connConfig *ConnectionConfig) (*Connection, error) {
	if connConfig == nil {
		connConfig = e.config.ConnConfig
	}
	remote, err := netip.ParseAddr(remoteAddr)
	if err != nil || !remote.Is4() {
		return nil, fmt.Errorf("dial: remote address %q is not a valid IPv4 address", remoteAddr)
	}

	localPort, err := e.allocateLocalPort()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	key := connKey(e.localAddr, localPort, remote, remotePort)
	params := &connectionParams{
		key:        key,
		isServer:   false,
		localAddr:  e.localAddr,
		localPort:  localPort,
		remoteAddr: remote,
		remotePort: remotePort,
		engine:     e,
	}
	conn, err := newConnection(params, connConfig)
	if err != nil {
		e.ports.returnPort(localPort)
		return nil, err
	}
	conn.state = StateSynSent
	if err := e.table.insert(key, conn); err != nil {
		e.ports.returnPort(localPort)
		return nil, err
	}

	conn.mu.Lock()
	conn.sendSyn()
	conn.mu.Unlock()

	select {
	case <-e.closeSignal:
		conn.teardown(ErrEngineClosed, true)
		return nil, fmt.Errorf("dial: %w", ErrEngineClosed)
	case <-conn.handshakeDone:
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.connErr != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", remoteAddr, remotePort, conn.connErr)
	}
	if conn.state != StateEstablished {
		return nil, fmt.Errorf("dial %s:%d: %w", remoteAddr, remotePort, ErrNotConnected)
	}
	log.Printf("engine: connection established %s", key)
	return conn, nil
}

// allocateLocalPort takes the next ephemeral port from the pool, skipping any
// the table already knows (a listener may sit inside the ephemeral range).
func (e *Engine) allocateLocalPort() (uint16, error) {
	for i := 0; i < e.ports.capacity; i++ {
		port, err := e.ports.allocatePort()
		if err != nil {
			return 0, err
		}
		if !e.table.localPortInUse(port) {
			return port, nil
		}
		e.ports.returnPort(port)
	}
	return 0, fmt.Errorf("no free ephemeral port")
}

// removeConnection reclaims a record after its transition to CLOSED. Client
// connections give their ephemeral port back to the pool.
func (e *Engine) removeConnection(conn *Connection) {
	e.table.remove(conn.params.key)
	if !conn.params.isServer {
		e.ports.returnPort(conn.params.localPort)
	}
}

// ---- shutdown ----

// Close stops accepting new connections, resets live ones best-effort, stops
// all goroutines and releases the transport.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		for _, l := range e.snapshotListeners() {
			l.Close()
		}
		for _, conn := range e.table.snapshot() {
			conn.abort(ErrEngineClosed)
		}
		// Give the writer a moment to flush the goodbye RSTs.
		e.drainOutput(100 * time.Millisecond)

		close(e.closeSignal)
		e.transport.Close() // unblocks the reader
		e.wg.Wait()
		e.fail(nil) // closes done for hosts waiting on it
		log.Println("TCP engine closed gracefully")
	})
	return nil
}

func (e *Engine) snapshotListeners() []*Listener {
	e.table.mu.RLock()
	defer e.table.mu.RUnlock()
	listeners := make([]*Listener, 0, len(e.table.listeners))
	for _, l := range e.table.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (e *Engine) drainOutput(limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if len(e.outputChan) == 0 && len(e.sigOutputChan) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// summarizeFrame renders a one-line gopacket summary of a raw IPv4 frame for
// debug logging.
func summarizeFrame(frame []byte) string {
	decoded := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
	if tcpLayer := decoded.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		ip := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		return fmt.Sprintf("%s:%d > %s:%d flags[syn=%t ack=%t fin=%t rst=%t] seq=%d ack=%d win=%d len=%d",
			ip.SrcIP, tcp.SrcPort, ip.DstIP, tcp.DstPort,
			tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST,
			tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload))
	}
	return decoded.String()
}
