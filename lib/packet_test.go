package lib

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ensureTestPool initializes the shared payload pool for tests that parse or
// build packets with payload bytes.
func ensureTestPool() {
	if Pool == nil {
		Pool = rp.NewRingPool("TEST: ", 512, NewPayload, 1400)
	}
}

func TestTcpPacketMarshalUnmarshal(t *testing.T) {
	ensureTestPool()

	src := netip.MustParseAddr("192.168.0.1")
	dst := netip.MustParseAddr("192.168.0.2")
	payload := []byte("a moderately sized payload for the round trip")

	in := &TcpPacket{
		SrcAddr:           src,
		DstAddr:           dst,
		SourcePort:        45678,
		DestinationPort:   8901,
		SequenceNumber:    0xfffffff0, // close to wraparound on purpose
		AcknowledgmentNum: 12345,
		Flags:             ACKFlag | PSHFlag,
		WindowSize:        30000,
		Mss:               1400,
		Payload:           payload,
	}

	buffer := make([]byte, TcpPseudoHeaderLength+TcpHeaderLength+TcpOptionsMaxLength+len(payload))
	n, err := in.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}
	// 20 bytes of header plus 4 bytes of MSS option, no padding needed
	if wantLen := TcpHeaderLength + 4 + len(payload); n != wantLen {
		t.Fatalf("Marshal length = %d, want %d", n, wantLen)
	}

	if !VerifyChecksum(buffer[:TcpPseudoHeaderLength+n], src, dst) {
		t.Fatal("VerifyChecksum rejected a freshly marshalled segment")
	}

	out := &TcpPacket{}
	if err := out.Unmarshal(buffer[TcpPseudoHeaderLength:TcpPseudoHeaderLength+n], src, dst); err != nil {
		t.Fatalf("Unmarshal failed: %s", err)
	}
	defer out.ReturnChunk()

	if out.SourcePort != in.SourcePort || out.DestinationPort != in.DestinationPort {
		t.Errorf("ports = %d->%d, want %d->%d", out.SourcePort, out.DestinationPort, in.SourcePort, in.DestinationPort)
	}
	if out.SequenceNumber != in.SequenceNumber {
		t.Errorf("seq = %d, want %d", out.SequenceNumber, in.SequenceNumber)
	}
	if out.AcknowledgmentNum != in.AcknowledgmentNum {
		t.Errorf("ack = %d, want %d", out.AcknowledgmentNum, in.AcknowledgmentNum)
	}
	if out.Flags != in.Flags {
		t.Errorf("flags = %#x, want %#x", out.Flags, in.Flags)
	}
	if out.WindowSize != in.WindowSize {
		t.Errorf("window = %d, want %d", out.WindowSize, in.WindowSize)
	}
	if out.Mss != in.Mss {
		t.Errorf("mss option = %d, want %d", out.Mss, in.Mss)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Errorf("payload = %q, want %q", out.Payload, payload)
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	ensureTestPool()

	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	in := &TcpPacket{
		SrcAddr:         src,
		DstAddr:         dst,
		SourcePort:      1000,
		DestinationPort: 2000,
		SequenceNumber:  42,
		Flags:           ACKFlag,
		WindowSize:      512,
		Payload:         []byte("checksum coverage"),
	}
	buffer := make([]byte, TcpPseudoHeaderLength+TcpHeaderLength+len(in.Payload))
	n, err := in.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}

	// Flip one payload bit: the whole segment must be rejected.
	buffer[TcpPseudoHeaderLength+TcpHeaderLength+3] ^= 0x01
	if VerifyChecksum(buffer[:TcpPseudoHeaderLength+n], src, dst) {
		t.Error("VerifyChecksum accepted a corrupted payload")
	}

	// Restore it and corrupt a header field instead.
	buffer[TcpPseudoHeaderLength+TcpHeaderLength+3] ^= 0x01
	buffer[TcpPseudoHeaderLength+4] ^= 0x80 // sequence number
	if VerifyChecksum(buffer[:TcpPseudoHeaderLength+n], src, dst) {
		t.Error("VerifyChecksum accepted a corrupted header")
	}

	// Checksum must also cover the pseudo header addresses.
	buffer[TcpPseudoHeaderLength+4] ^= 0x80
	wrongSrc := netip.MustParseAddr("10.0.0.3")
	if VerifyChecksum(buffer[:TcpPseudoHeaderLength+n], wrongSrc, dst) {
		t.Error("VerifyChecksum accepted a segment re-addressed to another source")
	}
}

func TestUnmarshalRejectsMalformedSegments(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "truncated header", data: make([]byte, TcpHeaderLength-1)},
		{name: "data offset below minimum", data: func() []byte {
			d := make([]byte, TcpHeaderLength)
			d[12] = 4 << 4
			return d
		}()},
		{name: "data offset beyond segment", data: func() []byte {
			d := make([]byte, TcpHeaderLength)
			d[12] = 8 << 4
			return d
		}()},
		{name: "truncated option", data: func() []byte {
			d := make([]byte, TcpHeaderLength+4)
			d[12] = 6 << 4
			d[TcpHeaderLength] = 2 // MSS option kind with a bad length
			d[TcpHeaderLength+1] = 8
			return d
		}()},
	}

	for _, tc := range testCases {
		p := &TcpPacket{}
		err := p.Unmarshal(tc.data, src, dst)
		if err == nil {
			t.Errorf("%s: Unmarshal accepted the segment", tc.name)
		}
	}
}

// TestMarshalMatchesGopacket serializes the same segment with gopacket and
// checks that the two encoders agree byte for byte, checksum included.
func TestMarshalMatchesGopacket(t *testing.T) {
	ensureTestPool()

	src := netip.MustParseAddr("172.16.1.10")
	dst := netip.MustParseAddr("172.16.1.20")
	payload := []byte("cross-check payload")

	mine := &TcpPacket{
		SrcAddr:           src,
		DstAddr:           dst,
		SourcePort:        50123,
		DestinationPort:   443,
		SequenceNumber:    777777,
		AcknowledgmentNum: 888888,
		Flags:             ACKFlag | PSHFlag,
		WindowSize:        24000,
		Payload:           payload,
	}
	buffer := make([]byte, TcpPseudoHeaderLength+TcpHeaderLength+len(payload))
	n, err := mine.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}
	segment := buffer[TcpPseudoHeaderLength : TcpPseudoHeaderLength+n]

	ip := &layers.IPv4{
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(mine.SourcePort),
		DstPort: layers.TCPPort(mine.DestinationPort),
		Seq:     mine.SequenceNumber,
		Ack:     mine.AcknowledgmentNum,
		ACK:     true,
		PSH:     true,
		Window:  mine.WindowSize,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum failed: %s", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("gopacket serialize failed: %s", err)
	}

	if !bytes.Equal(segment, buf.Bytes()) {
		t.Errorf("wire bytes differ from gopacket's\n got  %x\n want %x", segment, buf.Bytes())
	}
	myCk := binary.BigEndian.Uint16(segment[16:18])
	gpCk := binary.BigEndian.Uint16(buf.Bytes()[16:18])
	if myCk != gpCk {
		t.Errorf("checksum = %#04x, gopacket computed %#04x", myCk, gpCk)
	}
}

func TestSegmentLength(t *testing.T) {
	testCases := []struct {
		name     string
		packet   TcpPacket
		expected uint32
	}{
		{name: "bare ack", packet: TcpPacket{Flags: ACKFlag}, expected: 0},
		{name: "syn", packet: TcpPacket{Flags: SYNFlag}, expected: 1},
		{name: "fin with data", packet: TcpPacket{Flags: FINFlag | ACKFlag, Payload: []byte("abc")}, expected: 4},
		{name: "data only", packet: TcpPacket{Flags: ACKFlag, Payload: []byte("abcde")}, expected: 5},
	}
	for _, tc := range testCases {
		if got := tc.packet.SegmentLength(); got != tc.expected {
			t.Errorf("%s: SegmentLength = %d, want %d", tc.name, got, tc.expected)
		}
	}
}
