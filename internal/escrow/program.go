package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"swapescrow/internal/address"
)

// DefaultProgramID is the deployed escrow program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("Fk8r12vB8C4EYAXrXjxfKKpxDfPKtHQC6dHUAd6qXju3")

var escrowSeedPrefix = []byte("escrow")

// On-chain account layout: discriminator, seed, maker, mint_a, mint_b,
// receive, bump. Field order and sizes are fixed by the program.
const (
	DiscriminatorSize = 8
	SeedSize          = 8
	PubkeySize        = 32
	AmountSize        = 8
	BumpSize          = 1

	AccountSize = DiscriminatorSize + SeedSize + 3*PubkeySize + AmountSize + BumpSize

	// MakerOffset is where the maker key starts; used for the by-maker scan.
	MakerOffset = DiscriminatorSize + SeedSize
)

var (
	AccountDiscriminator = anchorDiscriminator("account", "Escrow")

	makeDiscriminator   = anchorDiscriminator("global", "make")
	takeDiscriminator   = anchorDiscriminator("global", "take")
	refundDiscriminator = anchorDiscriminator("global", "refund")
)

func anchorDiscriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// Transition names one of the three escrow state changes.
type Transition string

const (
	TransitionCreate Transition = "create"
	TransitionFulfil Transition = "fulfil"
	TransitionCancel Transition = "cancel"
)

func seedBytes(seed uint64) []byte {
	b := make([]byte, SeedSize)
	binary.LittleEndian.PutUint64(b, seed)
	return b
}

// DeriveEscrowAddress returns the escrow account address and bump for a
// maker and seed under programID.
func DeriveEscrowAddress(maker solana.PublicKey, seed uint64, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := address.FindProgramAddress([][]byte{
		escrowSeedPrefix,
		maker[:],
		seedBytes(seed),
	}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive escrow address: %w", err)
	}
	return addr, bump, nil
}

// VaultAddress is the escrow-owned token account holding the deposit.
func VaultAddress(escrow, mintA solana.PublicKey) (solana.PublicKey, error) {
	return address.AssociatedTokenAddress(mintA, escrow)
}
