package escrow

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// SeedSource picks the seed that disambiguates a maker's escrows.
type SeedSource interface {
	NextSeed() (uint64, error)
}

// SeedFunc adapts a function to SeedSource.
type SeedFunc func() (uint64, error)

func (f SeedFunc) NextSeed() (uint64, error) { return f() }

// RandomSeeds draws uniformly from the full u64 range.
type RandomSeeds struct {
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

func (r RandomSeeds) NextSeed() (uint64, error) {
	src := r.Rand
	if src == nil {
		src = rand.Reader
	}
	var b [8]byte
	if _, err := io.ReadFull(src, b[:]); err != nil {
		return 0, fmt.Errorf("read seed entropy: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// FixedSeeds hands out the given seeds in order and fails once exhausted.
func FixedSeeds(seeds ...uint64) SeedSource {
	i := 0
	return SeedFunc(func() (uint64, error) {
		if i >= len(seeds) {
			return 0, fmt.Errorf("seed source exhausted after %d seeds", len(seeds))
		}
		s := seeds[i]
		i++
		return s, nil
	})
}
