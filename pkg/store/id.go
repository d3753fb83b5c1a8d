package store

import (
	"crypto/rand"
	"encoding/hex"
)

// newRowID returns a random hex identifier for rows created inside the store.
func newRowID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "id-unknown"
	}
	return hex.EncodeToString(b[:])
}
