package lib

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

func SeqIncrement(seq uint32) uint32 {
	return uint32(uint64(seq) + 1) // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(uint64(seq) + uint64(inc)) // implicit modulo operation included
}

// SEQ compare function with SEQ wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	if seq1 == seq2 {
		return false
	}
	// Calculate direct difference
	var diff, wrapdiff, distance int64
	diff = int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff = int64(math.MaxUint32 + 1 - diff)

	// Choose the shorter distance
	if diff < wrapdiff {
		distance = diff
	} else {
		distance = wrapdiff
	}

	// Check if the first sequence number is "greater"
	return (distance+int64(seq2))%(math.MaxUint32+1) == int64(seq1)
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return isGreater(seq1, seq2) || (seq1 == seq2)
}

func isLess(seq1, seq2 uint32) bool {
	return !isGreaterOrEqual(seq1, seq2)
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return !isGreater(seq1, seq2)
}

// seqDistance returns how far seq1 is ahead of seq2 on the wrapping sequence
// circle. Callers must already know seq1 >= seq2 in wraparound order.
func seqDistance(seq1, seq2 uint32) uint32 {
	return seq1 - seq2 // uint32 subtraction wraps the right way
}

// GenerateISN picks a random initial send sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}
