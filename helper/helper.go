package helper

import (
	"crypto/rand"
	"math/big"
)

// clientPrefix follows the Azureus-style peer id convention.
const clientPrefix = "-BF0001-"

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// GeneratePeerID returns a fresh peer id. Callers generate it once per
// process and pass it along explicitly.
func GeneratePeerID() [20]byte {
	peerID := [20]byte{}
	copy(peerID[:], clientPrefix)
	copy(peerID[len(clientPrefix):], GenerateRandomID(len(peerID)-len(clientPrefix)))
	return peerID
}

// GenerateRandomID returns size random alphanumeric bytes.
func GenerateRandomID(size int) []byte {
	id := make([]byte, size)
	max := big.NewInt(int64(len(symbols)))
	for i := 0; i < size; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		id[i] = symbols[n.Int64()]
	}
	return id
}
