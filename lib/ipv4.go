package lib

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Ipv4Header holds the fields of one IPv4 header. The engine never emits IP
// options, but inbound headers with options are accepted and skipped.
type Ipv4Header struct {
	HeaderLength int // in bytes, including options
	TOS          uint8
	TotalLength  uint16
	Id           uint16
	TTL          uint8
	Protocol     uint8
	Checksum     uint16
	SrcAddr      netip.Addr
	DstAddr      netip.Addr
}

// UnmarshalIpv4Header parses the IPv4 header at the front of frame. It returns
// the parsed header; frame[hdr.HeaderLength:hdr.TotalLength] is the payload.
func UnmarshalIpv4Header(frame []byte) (*Ipv4Header, error) {
	if len(frame) < IpHeaderLength {
		return nil, fmt.Errorf("%w: frame length %d is shorter than a minimal IPv4 header", ErrMalformedHeader, len(frame))
	}
	version := frame[0] >> 4
	if version != 4 {
		return nil, fmt.Errorf("%w: unsupported IP version %d", ErrMalformedHeader, version)
	}
	headerLength := int(frame[0]&0x0f) * 4
	totalLength := binary.BigEndian.Uint16(frame[2:4])
	if headerLength < IpHeaderLength || headerLength > IpHeaderMaxLength {
		return nil, fmt.Errorf("%w: IPv4 header length %d out of range", ErrMalformedHeader, headerLength)
	}
	if int(totalLength) < headerLength || len(frame) < int(totalLength) {
		return nil, fmt.Errorf("%w: IPv4 total length %d inconsistent with header length %d and frame length %d",
			ErrMalformedHeader, totalLength, headerLength, len(frame))
	}
	if CalculateChecksum(frame[:headerLength]) != 0 {
		return nil, fmt.Errorf("%w: IPv4 header checksum mismatch", ErrChecksumInvalid)
	}

	h := &Ipv4Header{
		HeaderLength: headerLength,
		TOS:          frame[1],
		TotalLength:  totalLength,
		Id:           binary.BigEndian.Uint16(frame[4:6]),
		TTL:          frame[8],
		Protocol:     frame[9],
		Checksum:     binary.BigEndian.Uint16(frame[10:12]),
		SrcAddr:      netip.AddrFrom4([4]byte(frame[12:16])),
		DstAddr:      netip.AddrFrom4([4]byte(frame[16:20])),
	}
	return h, nil
}

// MarshalIpv4Header writes a 20-byte IPv4 header for a TCP payload of
// payloadLength bytes into buffer and returns the header length. The header
// checksum is always computed fresh.
func MarshalIpv4Header(buffer []byte, srcAddr, dstAddr netip.Addr, id uint16, payloadLength int) (int, error) {
	if len(buffer) < IpHeaderLength {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold an IPv4 header", len(buffer))
	}
	totalLength := IpHeaderLength + payloadLength
	if totalLength > 0xffff {
		return 0, fmt.Errorf("IPv4 total length %d overflows the length field", totalLength)
	}

	buffer[0] = 4<<4 | IpHeaderLength/4
	buffer[1] = 0
	binary.BigEndian.PutUint16(buffer[2:4], uint16(totalLength))
	binary.BigEndian.PutUint16(buffer[4:6], id)
	binary.BigEndian.PutUint16(buffer[6:8], 0x4000) // don't fragment
	buffer[8] = 64                                  // TTL
	buffer[9] = ProtocolTCP
	binary.BigEndian.PutUint16(buffer[10:12], 0)
	src := srcAddr.As4()
	dst := dstAddr.As4()
	copy(buffer[12:16], src[:])
	copy(buffer[16:20], dst[:])

	checksum := CalculateChecksum(buffer[:IpHeaderLength])
	binary.BigEndian.PutUint16(buffer[10:12], checksum)
	return IpHeaderLength, nil
}
