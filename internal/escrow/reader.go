package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"swapescrow/internal/amount"
	"swapescrow/internal/cache"
	"swapescrow/internal/ledger"
)

const (
	KindEscrow       = "escrow"
	KindMakerEscrows = "escrows-by-maker"
)

// EscrowKey is the cache key of a single escrow record.
func EscrowKey(addr solana.PublicKey) cache.Key {
	return cache.Key{Kind: KindEscrow, Subject: addr.String()}
}

// MakerListKey is the cache key of a maker's escrow address list.
func MakerListKey(maker solana.PublicKey) cache.Key {
	return cache.Key{Kind: KindMakerEscrows, Subject: maker.String()}
}

// record is what the cache holds for an escrow: the immutable decoded fields,
// or an explicit not-found marker. Vault balances are never cached.
type record struct {
	missing         bool
	account         Account
	receiveDecimals uint8
}

// Reader fetches and decodes escrow accounts through the shared cache.
type Reader struct {
	ledger    ledger.Reader
	cache     *cache.Cache
	programID solana.PublicKey
	logger    zerolog.Logger
}

func NewReader(l ledger.Reader, c *cache.Cache, programID solana.PublicKey, logger zerolog.Logger) *Reader {
	return &Reader{
		ledger:    l,
		cache:     c,
		programID: programID,
		logger:    logger.With().Str("component", "reader").Logger(),
	}
}

// FetchEscrow returns the escrow at addr. A missing account is a NotFound
// result, not an error; the error return is reserved for transport failures.
func (r *Reader) FetchEscrow(ctx context.Context, addr solana.PublicKey) (Result, error) {
	v, err := r.cache.Fetch(ctx, EscrowKey(addr), func(ctx context.Context) (any, error) {
		return r.loadRecord(ctx, addr)
	})
	if err != nil {
		if errors.Is(err, ErrLayoutMismatch) {
			return layoutMismatch(err), nil
		}
		return Result{}, err
	}
	return r.augment(ctx, addr, v.(record))
}

// Load bypasses the cache.
func (r *Reader) Load(ctx context.Context, addr solana.PublicKey) (Result, error) {
	rec, err := r.loadRecord(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrLayoutMismatch) {
			return layoutMismatch(err), nil
		}
		return Result{}, err
	}
	return r.augment(ctx, addr, rec)
}

// ListEscrowsFor scans program accounts whose maker field equals owner.
func (r *Reader) ListEscrowsFor(ctx context.Context, owner solana.PublicKey) ([]solana.PublicKey, error) {
	v, err := r.cache.Fetch(ctx, MakerListKey(owner), func(ctx context.Context) (any, error) {
		return r.scan(ctx, owner)
	})
	if err != nil {
		return nil, err
	}
	list := v.([]solana.PublicKey)
	out := make([]solana.PublicKey, len(list))
	copy(out, list)
	return out, nil
}

func (r *Reader) scan(ctx context.Context, owner solana.PublicKey) ([]solana.PublicKey, error) {
	accounts, err := r.ledger.GetProgramAccounts(ctx, r.programID,
		ledger.Memcmp{Offset: 0, Bytes: AccountDiscriminator[:]},
		ledger.Memcmp{Offset: MakerOffset, Bytes: owner[:]},
	)
	if err != nil {
		return nil, fmt.Errorf("scan escrows for %s: %w", owner, err)
	}

	out := make([]solana.PublicKey, 0, len(accounts))
	for _, acc := range accounts {
		if len(acc.Account.Data) != AccountSize {
			r.logger.Error().
				Stringer("address", acc.Address).
				Int("size", len(acc.Account.Data)).
				Msg("escrow scan returned account with unexpected size")
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrLayoutMismatch, acc.Address, len(acc.Account.Data))
		}
		out = append(out, acc.Address)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *Reader) loadRecord(ctx context.Context, addr solana.PublicKey) (record, error) {
	raw, err := r.ledger.GetAccount(ctx, addr)
	if err != nil {
		if isMissing(err) {
			return record{missing: true}, nil
		}
		return record{}, fmt.Errorf("fetch escrow %s: %w", addr, err)
	}

	acc, err := DecodeAccount(raw, r.programID)
	if err != nil {
		r.logger.Error().Err(err).Stringer("escrow", addr).Msg("escrow account does not match layout")
		return record{}, err
	}

	mintB, err := r.ledger.GetAccount(ctx, acc.MintB)
	if err != nil {
		return record{}, fmt.Errorf("fetch receive mint %s: %w", acc.MintB, err)
	}
	decimals, err := decodeMint(acc.MintB, mintB)
	if err != nil {
		return record{}, err
	}
	return record{account: acc, receiveDecimals: decimals}, nil
}

// augment attaches the live vault balance and human-readable amounts.
func (r *Reader) augment(ctx context.Context, addr solana.PublicKey, rec record) (Result, error) {
	if rec.missing {
		return notFound(), nil
	}

	vault, err := VaultAddress(addr, rec.account.MintA)
	if err != nil {
		return Result{}, err
	}
	balance, err := r.ledger.GetTokenAccountBalance(ctx, vault)
	if err != nil {
		if isMissing(err) {
			// Closed between the record read and now.
			return notFound(), nil
		}
		return Result{}, fmt.Errorf("fetch vault balance %s: %w", vault, err)
	}

	e := &Escrow{
		Address:         addr,
		Account:         rec.account,
		Vault:           vault,
		ReceiveDecimals: rec.receiveDecimals,
		Balance:         balance.Amount,
		BalanceDecimals: balance.Decimals,
	}
	if e.ReceiveHuman, err = amount.ToHuman(e.Receive, e.ReceiveDecimals); err != nil {
		return Result{}, err
	}
	if e.ReceiveDisplay, err = amount.Format(e.Receive, e.ReceiveDecimals); err != nil {
		return Result{}, err
	}
	if e.BalanceHuman, err = amount.ToHuman(e.Balance, e.BalanceDecimals); err != nil {
		return Result{}, err
	}
	if e.BalanceDisplay, err = amount.Format(e.Balance, e.BalanceDecimals); err != nil {
		return Result{}, err
	}
	return found(e), nil
}
