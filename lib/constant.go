package lib

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	ProtocolTCP           = 6
	TcpHeaderLength       = 20 // options not included
	TcpOptionsMaxLength   = 40
	TcpPseudoHeaderLength = 12
	IpHeaderLength        = 20 // no IP options are ever emitted
	IpHeaderMaxLength     = 60
)
