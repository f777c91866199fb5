package lib

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// TcpPacket represents one TCP segment, either parsed from an inbound frame or
// queued for transmission.
type TcpPacket struct {
	SrcAddr, DstAddr  netip.Addr
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16
	UrgentPointer     uint16
	Checksum          uint16
	Mss               uint16      // MSS option value; 0 means the option is absent
	Payload           []byte      // payload slice, backed by chunk when non-nil
	Conn              *Connection // outgoing packets only: the owning connection
	chunk             *rp.Element // memory chunk used to store payload
	transient         bool        // chunk is released by the writer once on the wire
}

// Marshal converts p to wire bytes. The first TcpPseudoHeaderLength bytes of
// buffer are reserved for the pseudo header used in checksum computation; the
// TCP segment itself starts at buffer[TcpPseudoHeaderLength:]. The returned
// length is that of the TCP segment only. The checksum is always computed
// fresh, never taken from p.Checksum.
func (p *TcpPacket) Marshal(buffer []byte) (int, error) {
	optionsLength := 0
	if p.Mss > 0 {
		// MSS option: kind (1 byte), length (1 byte), MSS value (2 bytes)
		optionsLength += 4
	}
	padding := 0
	if optionsLength%4 != 0 {
		padding = 4 - (optionsLength % 4)
	}
	totalHeaderLength := TcpHeaderLength + optionsLength + padding

	segmentLength := totalHeaderLength + len(p.Payload)
	if segmentLength+TcpPseudoHeaderLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the segment (%d) + pseudo header", len(buffer), segmentLength)
	}

	frame := buffer[TcpPseudoHeaderLength:]

	binary.BigEndian.PutUint16(frame[0:2], p.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], p.DestinationPort)
	binary.BigEndian.PutUint32(frame[4:8], p.SequenceNumber)
	binary.BigEndian.PutUint32(frame[8:12], p.AcknowledgmentNum)
	frame[12] = uint8(totalHeaderLength/4) << 4
	frame[13] = p.Flags
	binary.BigEndian.PutUint16(frame[14:16], p.WindowSize)
	binary.BigEndian.PutUint16(frame[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(frame[18:20], p.UrgentPointer)

	optionOffset := TcpHeaderLength
	if p.Mss > 0 {
		frame[optionOffset] = 2   // Kind: Maximum Segment Size
		frame[optionOffset+1] = 4 // Length: 4 bytes
		binary.BigEndian.PutUint16(frame[optionOffset+2:optionOffset+4], p.Mss)
		optionOffset += 4
	}
	for i := 0; i < padding; i++ {
		frame[optionOffset+i] = 1 // NOP option
	}

	if len(p.Payload) > 0 {
		copy(frame[totalHeaderLength:], p.Payload)
	}

	// Checksum over the pseudo-header, TCP header and payload
	assemblePseudoHeader(buffer[:TcpPseudoHeaderLength], p.SrcAddr, p.DstAddr, uint16(segmentLength))
	checksum := CalculateChecksum(buffer[:TcpPseudoHeaderLength+segmentLength])
	binary.BigEndian.PutUint16(frame[16:18], checksum)

	return segmentLength, nil
}

// Unmarshal parses a TCP segment into p. The caller is expected to have
// verified the checksum already (see VerifyChecksum); Unmarshal only records
// the checksum field. Payload bytes are copied into a pool chunk owned by p.
func (p *TcpPacket) Unmarshal(data []byte, srcAddr, dstAddr netip.Addr) error {
	if len(data) < TcpHeaderLength {
		return fmt.Errorf("%w: segment length %d is shorter than a minimal TCP header", ErrMalformedHeader, len(data))
	}
	p.SrcAddr = srcAddr
	p.DstAddr = dstAddr
	p.SourcePort = binary.BigEndian.Uint16(data[0:2])
	p.DestinationPort = binary.BigEndian.Uint16(data[2:4])
	p.SequenceNumber = binary.BigEndian.Uint32(data[4:8])
	p.AcknowledgmentNum = binary.BigEndian.Uint32(data[8:12])
	p.Flags = data[13]
	p.WindowSize = binary.BigEndian.Uint16(data[14:16])
	p.Checksum = binary.BigEndian.Uint16(data[16:18])
	p.UrgentPointer = binary.BigEndian.Uint16(data[18:20])

	do := int(data[12]>>4) * 4
	if do < TcpHeaderLength || do > TcpHeaderLength+TcpOptionsMaxLength {
		return fmt.Errorf("%w: TCP data offset %d out of range", ErrMalformedHeader, do)
	}
	if do > len(data) {
		return fmt.Errorf("%w: TCP data offset %d exceeds segment length %d", ErrMalformedHeader, do, len(data))
	}

	// Walk the options; only MSS is interpreted, everything else is skipped.
	optionsBytes := data[TcpHeaderLength:do]
	for i := 0; i < len(optionsBytes); {
		kind := optionsBytes[i]
		if kind == 0 { // end of options list
			break
		}
		if kind == 1 { // NOP
			i++
			continue
		}
		if i+1 >= len(optionsBytes) {
			return fmt.Errorf("%w: truncated TCP option of kind %d", ErrMalformedHeader, kind)
		}
		optionLength := int(optionsBytes[i+1])
		if optionLength < 2 || i+optionLength > len(optionsBytes) {
			return fmt.Errorf("%w: TCP option kind %d with bad length %d", ErrMalformedHeader, kind, optionLength)
		}
		if kind == 2 && optionLength == 4 { // Maximum Segment Size
			p.Mss = binary.BigEndian.Uint16(optionsBytes[i+2 : i+4])
		}
		i += optionLength
	}

	if len(data[do:]) > 0 {
		if err := p.CopyToPayload(data[do:]); err != nil {
			return fmt.Errorf("packet unmarshal: error copying packet payload - %w", err)
		}
	} else {
		p.Payload = nil
	}

	return nil
}

// NewTcpPacket builds an outgoing packet addressed per the connection's
// identity, copying data (if any) into a pool chunk.
func NewTcpPacket(seqNum, ackNum uint32, flags uint8, data []byte, conn *Connection) *TcpPacket {
	newPacket := &TcpPacket{
		SrcAddr:           conn.params.localAddr,
		DstAddr:           conn.params.remoteAddr,
		SourcePort:        conn.params.localPort,
		DestinationPort:   conn.params.remotePort,
		SequenceNumber:    seqNum,
		AcknowledgmentNum: ackNum,
		Flags:             flags,
		WindowSize:        conn.advertisedWindow(),
		Conn:              conn,
	}
	if len(data) > 0 {
		if err := newPacket.CopyToPayload(data); err != nil {
			return nil
		}
	}
	return newPacket
}

// duplicate returns a copy of p carrying its own payload chunk. The original
// stays queued for retransmission and its chunk may be returned by an ACK at
// any time, so a copy handed to the writer must never share it. Returns nil
// when the pool is exhausted.
func (p *TcpPacket) duplicate() *TcpPacket {
	dup := *p
	dup.chunk = nil
	dup.Payload = nil
	dup.transient = true
	if len(p.Payload) > 0 {
		if err := dup.CopyToPayload(p.Payload); err != nil {
			return nil
		}
	}
	return &dup
}

// SegmentLength returns the amount of sequence space the packet consumes:
// payload bytes plus one for SYN and one for FIN.
func (p *TcpPacket) SegmentLength() uint32 {
	n := uint32(len(p.Payload))
	if p.Flags&SYNFlag != 0 {
		n++
	}
	if p.Flags&FINFlag != 0 {
		n++
	}
	return n
}

func (p *TcpPacket) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		return fmt.Errorf("p.CopyToPayload: source slice is empty")
	}
	p.GetChunk()
	if p.chunk == nil {
		return fmt.Errorf("p.CopyToPayload: got a nil chunk")
	}
	err := p.chunk.Data.(*Payload).Copy(src)
	if err != nil {
		p.ReturnChunk()
		return fmt.Errorf("TcpPacket.CopyToPayload: %w", err)
	}
	p.Payload = p.chunk.Data.(*Payload).GetSlice()
	return nil
}

func (p *TcpPacket) ReturnChunk() {
	if p.chunk != nil {
		Pool.ReturnElement(p.chunk)
		p.chunk = nil
		p.Payload = nil
	}
}

func (p *TcpPacket) GetChunk() {
	p.chunk = Pool.GetElement()
}

// CalculateChecksum computes the Internet one's-complement checksum of buffer.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	return ^uint16(cksum)
}

// VerifyChecksum recomputes the TCP checksum of the segment held in
// data[TcpPseudoHeaderLength:]. The first TcpPseudoHeaderLength bytes of data
// are scratch space for the pseudo header and get overwritten.
func VerifyChecksum(data []byte, srcAddr, dstAddr netip.Addr) bool {
	if len(data) < TcpHeaderLength+TcpPseudoHeaderLength {
		return false
	}
	frame := data[TcpPseudoHeaderLength:]
	receivedChecksum := binary.BigEndian.Uint16(frame[16:18])

	// Zero out the checksum field for calculation
	binary.BigEndian.PutUint16(frame[16:18], 0)

	assemblePseudoHeader(data[:TcpPseudoHeaderLength], srcAddr, dstAddr, uint16(len(frame)))
	calculatedChecksum := CalculateChecksum(data)

	// Restore the original checksum field
	binary.BigEndian.PutUint16(frame[16:18], receivedChecksum)

	return receivedChecksum == calculatedChecksum
}

// assemblePseudoHeader assembles the pseudo-header for checksum calculation
func assemblePseudoHeader(buffer []byte, srcAddr, dstAddr netip.Addr, segmentLength uint16) {
	src := srcAddr.As4()
	dst := dstAddr.As4()
	copy(buffer[0:4], src[:])
	copy(buffer[4:8], dst[:])
	buffer[8] = 0
	buffer[9] = ProtocolTCP
	binary.BigEndian.PutUint16(buffer[10:12], segmentLength)
}
