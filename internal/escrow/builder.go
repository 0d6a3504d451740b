package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"swapescrow/internal/amount"
	"swapescrow/internal/ledger"
)

// maxSeedAttempts bounds re-draws when a derived escrow address is taken.
const maxSeedAttempts = 8

// Prepared is a built, unsigned escrow instruction plus the identities the
// session needs to reconcile its cache after submission.
type Prepared struct {
	Transition  Transition
	Escrow      solana.PublicKey
	Maker       solana.PublicKey
	Seed        uint64
	Bump        uint8
	Deposit     uint64
	Receive     uint64
	Instruction solana.Instruction
}

type CreateParams struct {
	Maker   solana.PublicKey
	MintA   solana.PublicKey
	MintB   solana.PublicKey
	Deposit string
	Receive string
}

// Builder assembles escrow instructions. It reads the ledger but never
// submits anything.
type Builder struct {
	ledger    ledger.Reader
	programID solana.PublicKey
	seeds     SeedSource
	logger    zerolog.Logger
}

func NewBuilder(l ledger.Reader, programID solana.PublicKey, seeds SeedSource, logger zerolog.Logger) *Builder {
	if seeds == nil {
		seeds = RandomSeeds{}
	}
	return &Builder{
		ledger:    l,
		programID: programID,
		seeds:     seeds,
		logger:    logger.With().Str("component", "builder").Logger(),
	}
}

func (b *Builder) Create(ctx context.Context, p CreateParams) (*Prepared, error) {
	if p.Maker.IsZero() {
		return nil, ErrIdentityUnavailable
	}
	if p.MintA.IsZero() || p.MintB.IsZero() {
		return nil, invalidInput("both mints are required", nil)
	}
	if err := precheckAmount("deposit", p.Deposit); err != nil {
		return nil, err
	}
	if err := precheckAmount("receive", p.Receive); err != nil {
		return nil, err
	}

	decimalsA, err := b.mintDecimals(ctx, p.MintA)
	if err != nil {
		return nil, err
	}
	decimalsB, err := b.mintDecimals(ctx, p.MintB)
	if err != nil {
		return nil, err
	}

	deposit, err := positiveNative("deposit", p.Deposit, decimalsA)
	if err != nil {
		return nil, err
	}
	receive, err := positiveNative("receive", p.Receive, decimalsB)
	if err != nil {
		return nil, err
	}

	seed, escrowAddr, bump, err := b.freshSeed(ctx, p.Maker)
	if err != nil {
		return nil, err
	}

	ix, err := NewMakeInstruction(b.programID, MakeAccounts{
		Maker:  p.Maker,
		MintA:  p.MintA,
		MintB:  p.MintB,
		Escrow: escrowAddr,
	}, MakeArgs{Seed: seed, Deposit: deposit, Receive: receive})
	if err != nil {
		return nil, err
	}

	b.logger.Debug().
		Stringer("escrow", escrowAddr).
		Uint64("seed", seed).
		Uint64("deposit", deposit).
		Uint64("receive", receive).
		Msg("built make instruction")

	return &Prepared{
		Transition:  TransitionCreate,
		Escrow:      escrowAddr,
		Maker:       p.Maker,
		Seed:        seed,
		Bump:        bump,
		Deposit:     deposit,
		Receive:     receive,
		Instruction: ix,
	}, nil
}

func (b *Builder) Fulfil(ctx context.Context, escrowAddr, taker solana.PublicKey) (*Prepared, error) {
	if taker.IsZero() {
		return nil, ErrIdentityUnavailable
	}
	acc, err := b.load(ctx, escrowAddr)
	if err != nil {
		return nil, err
	}

	ix, err := NewTakeInstruction(b.programID, TakeAccounts{
		Taker:  taker,
		Maker:  acc.Maker,
		MintA:  acc.MintA,
		MintB:  acc.MintB,
		Escrow: escrowAddr,
	})
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Transition:  TransitionFulfil,
		Escrow:      escrowAddr,
		Maker:       acc.Maker,
		Seed:        acc.Seed,
		Bump:        acc.Bump,
		Receive:     acc.Receive,
		Instruction: ix,
	}, nil
}

// Cancel builds a refund signed by the recorded maker. Whether the caller
// actually is the maker is enforced on chain.
func (b *Builder) Cancel(ctx context.Context, escrowAddr solana.PublicKey) (*Prepared, error) {
	acc, err := b.load(ctx, escrowAddr)
	if err != nil {
		return nil, err
	}

	ix, err := NewRefundInstruction(b.programID, RefundAccounts{
		Maker:  acc.Maker,
		MintA:  acc.MintA,
		Escrow: escrowAddr,
	})
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Transition:  TransitionCancel,
		Escrow:      escrowAddr,
		Maker:       acc.Maker,
		Seed:        acc.Seed,
		Bump:        acc.Bump,
		Receive:     acc.Receive,
		Instruction: ix,
	}, nil
}

func (b *Builder) load(ctx context.Context, escrowAddr solana.PublicKey) (Account, error) {
	raw, err := b.ledger.GetAccount(ctx, escrowAddr)
	if err != nil {
		if isMissing(err) {
			return Account{}, fmt.Errorf("%s: %w", escrowAddr, ErrNotFound)
		}
		return Account{}, err
	}
	return DecodeAccount(raw, b.programID)
}

func (b *Builder) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	raw, err := b.ledger.GetAccount(ctx, mint)
	if err != nil {
		if isMissing(err) {
			return 0, invalidInput(fmt.Sprintf("mint %s does not exist", mint), nil)
		}
		return 0, fmt.Errorf("fetch mint %s: %w", mint, err)
	}
	return decodeMint(mint, raw)
}

// freshSeed draws seeds until the derived escrow address is unoccupied.
func (b *Builder) freshSeed(ctx context.Context, maker solana.PublicKey) (uint64, solana.PublicKey, uint8, error) {
	for attempt := 0; attempt < maxSeedAttempts; attempt++ {
		seed, err := b.seeds.NextSeed()
		if err != nil {
			return 0, solana.PublicKey{}, 0, err
		}
		addr, bump, err := DeriveEscrowAddress(maker, seed, b.programID)
		if err != nil {
			return 0, solana.PublicKey{}, 0, err
		}
		_, err = b.ledger.GetAccount(ctx, addr)
		if isMissing(err) {
			return seed, addr, bump, nil
		}
		if err != nil {
			return 0, solana.PublicKey{}, 0, fmt.Errorf("check escrow address %s: %w", addr, err)
		}
		b.logger.Warn().Uint64("seed", seed).Stringer("escrow", addr).Msg("escrow address occupied, drawing another seed")
	}
	return 0, solana.PublicKey{}, 0, fmt.Errorf("no free escrow address after %d seeds", maxSeedAttempts)
}

// precheckAmount rejects malformed and negative amounts before any network
// access. Precision is checked later, once decimals are known.
func precheckAmount(field, human string) error {
	_, err := amount.ToNative(human, 0)
	if errors.Is(err, amount.ErrNegative) || errors.Is(err, amount.ErrInvalidAmount) {
		return invalidInput(field, err)
	}
	return nil
}

func positiveNative(field, human string, decimals uint8) (uint64, error) {
	native, err := amount.ToNative(human, decimals)
	if err != nil {
		return 0, invalidInput(field, err)
	}
	if native == 0 {
		return 0, invalidInput(field+" must be greater than zero in native units", nil)
	}
	return native, nil
}
