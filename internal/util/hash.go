// Package util provides shared utility functions.
package util

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"math/big"
)

// DescriptionID computes a short fingerprint of an SDP body so that logs on both
// peers can be compared to confirm they agreed on the same description. The
// hash is used solely for identification and does not need to be reversible.
func DescriptionID(sdp string) string {
	h := fnv.New32a()
	h.Write([]byte(sdp))
	return fmt.Sprintf("%08x", h.Sum32())
}

// GenerateRoomID returns a random numeric room identifier of the specified length.
func GenerateRoomID(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
