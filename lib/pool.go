package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice   []byte
	bufferLength = 65536 // accommodates the maximum TCP segment size
	Pool         *rp.RingPool
)

func SetEmptySlice(length int) {
	emptySlice = make([]byte, length)
}

// Payload represents one pooled packet payload buffer.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element buffer. It is handed to the ring pool as
// its element constructor; the single parameter is the buffer length, so
// chunks are sized to the configured MSS rather than the maximum segment.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}
	length, ok := params[0].(int)
	if !ok || length <= 0 {
		log.Println("NewPayload: bufferlength must be a positive int")
		return nil
	}

	if len(emptySlice) < length { // initialize it
		SetEmptySlice(length)
	}

	return &Payload{
		payloadBytes: make([]byte, length),
	}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.payloadBytes = []byte(s)
	p.length = len(s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
