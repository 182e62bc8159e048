package targets

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

const feistelRounds = 6

// permutation is a keyed bijection on [0, size), built from a Feistel
// network with cycle-walking.
type permutation struct {
	keys      [feistelRounds]uint64
	size      uint64
	halfWidth uint
	lowerMask uint64
}

func newPermutation(size uint64, keySource io.Reader) *permutation {
	// Smallest even bit-width that covers size.
	bits := uint(2)
	for (uint64(1) << bits) < size {
		bits++
	}
	if bits%2 != 0 {
		bits++
	}

	p := &permutation{
		size:      size,
		halfWidth: bits / 2,
		lowerMask: uint64(1)<<(bits/2) - 1,
	}
	var b [feistelRounds * 8]byte
	io.ReadFull(keySource, b[:])
	for i := range p.keys {
		p.keys[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return p
}

// shuffle returns items in permuted order, keyed from keySource.
func shuffle[T any](items []T, keySource io.Reader) []T {
	if len(items) < 2 {
		return items
	}
	if keySource == nil {
		keySource = rand.Reader
	}
	p := newPermutation(uint64(len(items)), keySource)
	out := make([]T, len(items))
	for i := range items {
		out[p.permute(uint64(i))] = items[i]
	}
	return out
}

func (p *permutation) permute(index uint64) uint64 {
	x := index
	for {
		x = p.encrypt(x)
		if x < p.size {
			return x
		}
	}
}

func (p *permutation) encrypt(block uint64) uint64 {
	left := (block >> p.halfWidth) & p.lowerMask
	right := block & p.lowerMask

	for i := 0; i < feistelRounds; i++ {
		roundVal := roundFunc(right, p.keys[i]) & p.lowerMask
		left, right = right, left^roundVal
	}

	return (left << p.halfWidth) | right
}

// roundFunc is the murmur3 64-bit finalizer.
func roundFunc(val, key uint64) uint64 {
	v := val ^ key
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	v *= 0xc4ceb9fe1a85ec53
	v ^= v >> 33
	return v
}
