package service

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// HashGenerator derives public session hashes.
type HashGenerator struct {
	key []byte
}

func NewHashGenerator(key string) *HashGenerator {
	return &HashGenerator{key: []byte(key)}
}

// New returns a keyed BLAKE2b-256 digest of a random uuid, hex encoded.
func (g *HashGenerator) New() (string, error) {
	h, err := blake2b.New256(g.key)
	if err != nil {
		return "", fmt.Errorf("failed to init session hash: %w", err)
	}
	id := uuid.New()
	h.Write(id[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}
