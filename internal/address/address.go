// Package address derives program addresses and associated token accounts.
// Every function here is pure: no network access, same output for the same
// input.
package address

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gagliardetto/solana-go"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32
)

var (
	ErrInvalidSeeds = errors.New("invalid seeds")
	ErrOnCurve      = errors.New("derived address is on curve")
	ErrNoViableBump = errors.New("unable to find a viable program address bump")
	ErrMalformed    = errors.New("malformed address")
)

var (
	TokenProgramID           = solana.TokenProgramID
	AssociatedTokenProgramID = solana.SPLAssociatedTokenAccountProgramID
	SystemProgramID          = solana.SystemProgramID
)

// Parse decodes a base58 address string.
func Parse(s string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	return key, nil
}

// IsOnCurve reports whether b is a valid compressed ed25519 point.
func IsOnCurve(b []byte) bool {
	return solana.IsOnCurve(b)
}

func checkSeeds(seeds [][]byte, limit int) error {
	if len(seeds) > limit {
		return fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return fmt.Errorf("%w: seed of %d bytes", ErrInvalidSeeds, len(seed))
		}
	}
	return nil
}

// CreateProgramAddress hashes seeds with the program id and fails when the
// result lands on the curve.
func CreateProgramAddress(seeds [][]byte, programID solana.PublicKey) (solana.PublicKey, error) {
	if err := checkSeeds(seeds, MaxSeeds); err != nil {
		return solana.PublicKey{}, err
	}
	addr, err := solana.CreateProgramAddress(seeds, programID)
	if err != nil {
		// Seeds were checked above; an on-curve hash is the only failure left.
		return solana.PublicKey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress walks bumps from 255 down to 0 and returns the first
// off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	if err := checkSeeds(seeds, MaxSeeds-1); err != nil {
		return solana.PublicKey{}, 0, err
	}
	seeds = slices.Clip(seeds)

	addr, bump, err := solana.FindProgramAddress(seeds, programID)
	if err == nil {
		return addr, bump, nil
	}
	// solana-go gives up after bump 1.
	addr, err = CreateProgramAddress(append(seeds, []byte{0}), programID)
	if err != nil {
		return solana.PublicKey{}, 0, ErrNoViableBump
	}
	return addr, 0, nil
}

// AssociatedTokenAddress derives the token account holding mint for owner
// under the fixed SPL token program. Owner may itself be a program address.
func AssociatedTokenAddress(mint, owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address: %w: %w", ErrNoViableBump, err)
	}
	return addr, nil
}

// MustAssociatedTokenAddress panics where the caller already knows the
// inputs are 32-byte keys and derivation cannot fail in practice.
func MustAssociatedTokenAddress(mint, owner solana.PublicKey) solana.PublicKey {
	addr, err := AssociatedTokenAddress(mint, owner)
	if err != nil {
		panic(err)
	}
	return addr
}
