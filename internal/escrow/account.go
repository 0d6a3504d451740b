package escrow

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"swapescrow/internal/address"
	"swapescrow/internal/ledger"
)

// Account is the escrow record exactly as the program stores it, minus the
// discriminator.
type Account struct {
	Seed    uint64
	Maker   solana.PublicKey
	MintA   solana.PublicKey
	MintB   solana.PublicKey
	Receive uint64
	Bump    uint8
}

// DecodeAccount checks owner, discriminator and size before decoding. Any
// mismatch wraps ErrLayoutMismatch.
func DecodeAccount(acc *ledger.Account, programID solana.PublicKey) (Account, error) {
	if !acc.Owner.Equals(programID) {
		return Account{}, fmt.Errorf("%w: owner %s, want %s", ErrLayoutMismatch, acc.Owner, programID)
	}
	if len(acc.Data) != AccountSize {
		return Account{}, fmt.Errorf("%w: %d bytes, want %d", ErrLayoutMismatch, len(acc.Data), AccountSize)
	}
	if !bytes.Equal(acc.Data[:DiscriminatorSize], AccountDiscriminator[:]) {
		return Account{}, fmt.Errorf("%w: unexpected discriminator %x", ErrLayoutMismatch, acc.Data[:DiscriminatorSize])
	}

	var out Account
	if err := bin.NewBorshDecoder(acc.Data[DiscriminatorSize:]).Decode(&out); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrLayoutMismatch, err)
	}
	return out, nil
}

// EncodeAccount produces the on-chain bytes for an escrow record.
func EncodeAccount(a Account) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(AccountDiscriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(a); err != nil {
		return nil, fmt.Errorf("encode escrow account: %w", err)
	}
	return buf.Bytes(), nil
}

// Escrow is a decoded record plus display fields derived at read time.
// The *Human fields are whole tokens, floored; the *Display fields are the
// exact decimal amounts.
type Escrow struct {
	Address solana.PublicKey
	Account

	Vault           solana.PublicKey
	ReceiveDecimals uint8
	ReceiveHuman    uint64
	ReceiveDisplay  string

	// Balance is read live from the vault on every fetch.
	Balance         uint64
	BalanceDecimals uint8
	BalanceHuman    uint64
	BalanceDisplay  string
}

// Status tags the outcome of an escrow lookup.
type Status int

const (
	StatusFound Status = iota + 1
	StatusNotFound
	StatusLayoutMismatch
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusLayoutMismatch:
		return "layout_mismatch"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is Found(Escrow) | NotFound | LayoutMismatch. Transport failures
// are returned as a separate error and never produce a Result.
type Result struct {
	Status Status
	Escrow *Escrow
	// Mismatch describes a LayoutMismatch; it wraps ErrLayoutMismatch.
	Mismatch error
}

func found(e *Escrow) Result { return Result{Status: StatusFound, Escrow: e} }
func notFound() Result { return Result{Status: StatusNotFound} }
func layoutMismatch(err error) Result { return Result{Status: StatusLayoutMismatch, Mismatch: err} }

// Err maps the non-Found tags onto the error taxonomy.
func (r Result) Err() error {
	switch r.Status {
	case StatusFound:
		return nil
	case StatusNotFound:
		return ErrNotFound
	case StatusLayoutMismatch:
		return r.Mismatch
	default:
		return fmt.Errorf("%w: unknown lookup status %d", ErrLayoutMismatch, int(r.Status))
	}
}

// decodeMint reads decimals from an SPL token mint. Only the classic token
// program is accepted.
func decodeMint(mint solana.PublicKey, acc *ledger.Account) (uint8, error) {
	if !acc.Owner.Equals(address.TokenProgramID) {
		return 0, invalidInput(fmt.Sprintf("mint %s is owned by %s, not the token program", mint, acc.Owner), nil)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(acc.Data).Decode(&m); err != nil {
		return 0, invalidInput(fmt.Sprintf("mint %s does not decode", mint), err)
	}
	if !m.IsInitialized {
		return 0, invalidInput(fmt.Sprintf("mint %s is not initialized", mint), nil)
	}
	return m.Decimals, nil
}
