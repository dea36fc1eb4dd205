package slottable

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeyGen derives fresh 64-bit keyed-lock keys from a single random seed, one
// per call to Next, using HKDF instead of a fresh CSPRNG read per rotation.
// Each Next call allocates (its HKDF reader and info buffer). Table does
// not create or call a KeyGen; a caller passes its keys to SetKey.
type KeyGen struct {
	mu     sync.Mutex
	seed   [32]byte
	serial uint64
}

// NewKeyGen seeds a KeyGen from crypto/rand.
func NewKeyGen() (*KeyGen, error) {
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, err
	}
	return &KeyGen{seed: seed}, nil
}

// Next derives the next key in sequence for the given slot index. Distinct
// (index, serial) pairs never collide because both are mixed into the HKDF
// info parameter.
func (g *KeyGen) Next(slotIndex int) uint64 {
	g.mu.Lock()
	serial := g.serial
	g.serial++
	g.mu.Unlock()

	info := make([]byte, 16)
	binary.LittleEndian.PutUint64(info[0:8], uint64(slotIndex))
	binary.LittleEndian.PutUint64(info[8:16], serial)

	r := hkdf.New(sha256.New, g.seed[:], nil, info)
	var out [8]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("slottable: hkdf derivation failed: " + err.Error())
	}
	return binary.LittleEndian.Uint64(out[:])
}
