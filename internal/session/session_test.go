package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"swapescrow/internal/cache"
	"swapescrow/internal/escrow"
	"swapescrow/internal/ledger"
	"swapescrow/internal/ledger/ledgertest"
	"swapescrow/internal/wallet"
)

type harness struct {
	ledger *ledgertest.Fake
	cache  *cache.Cache
	maker  solana.PrivateKey
	taker  solana.PrivateKey
	mintA  solana.PublicKey
	mintB  solana.PublicKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := ledgertest.New(escrow.DefaultProgramID)
	c, err := cache.New(64, zerolog.Nop())
	require.NoError(t, err)
	h := &harness{
		ledger: l,
		cache:  c,
		maker:  solana.NewWallet().PrivateKey,
		taker:  solana.NewWallet().PrivateKey,
		mintA:  l.CreateMint(6),
		mintB:  l.CreateMint(8),
	}
	l.MintTo(h.maker.PublicKey(), h.mintA, 1_000_000_000)
	l.MintTo(h.taker.PublicKey(), h.mintB, 10_000_000_000)
	return h
}

func (h *harness) session(conn ledger.Connection, key solana.PrivateKey, opts ...Option) *Session {
	return New(conn, wallet.NewKeypair(key), h.cache, opts...)
}

func (h *harness) createEscrow(t *testing.T, seed uint64) solana.PublicKey {
	t.Helper()
	s := h.session(h.ledger, h.maker, WithSeedSource(escrow.FixedSeeds(seed)))
	out, err := s.Create(context.Background(), h.mintA, h.mintB, "100", "50")
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, out.State)
	return out.Escrow
}

// hookedConn runs a function once, just before the next blockhash request,
// which is after instruction building and before submission.
type hookedConn struct {
	ledger.Connection
	mu     sync.Mutex
	before func()
}

func (c *hookedConn) GetLatestBlockhash(ctx context.Context) (ledger.Blockhash, error) {
	c.mu.Lock()
	f := c.before
	c.before = nil
	c.mu.Unlock()
	if f != nil {
		f()
	}
	return c.Connection.GetLatestBlockhash(ctx)
}

func TestCreateConfirmedInvalidatesListAndFetchFindsDeposit(t *testing.T) {
	h := newHarness(t)
	s := h.session(h.ledger, h.maker, WithSeedSource(escrow.FixedSeeds(42)))
	ctx := context.Background()

	// Warm the maker's list so a stale entry would hide the new escrow.
	list, err := s.EscrowsFor(ctx, h.maker.PublicKey())
	require.NoError(t, err)
	require.Empty(t, list)

	out, err := s.Create(ctx, h.mintA, h.mintB, "100", "50")
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, out.State)
	require.Equal(t, escrow.TransitionCreate, out.Transition)
	require.False(t, out.AlreadyClosed)
	require.False(t, out.Signature.IsZero())

	want, _, err := escrow.DeriveEscrowAddress(h.maker.PublicKey(), 42, escrow.DefaultProgramID)
	require.NoError(t, err)
	require.Equal(t, want, out.Escrow)
	require.Equal(t, StateConfirmed, s.Status(out.Escrow))

	list, err = s.EscrowsFor(ctx, h.maker.PublicKey())
	require.NoError(t, err)
	require.Contains(t, list, out.Escrow)

	res, err := s.Escrow(ctx, out.Escrow)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFound, res.Status)
	require.EqualValues(t, 100_000_000, res.Escrow.Balance)
	require.EqualValues(t, 100, res.Escrow.BalanceHuman)
	require.EqualValues(t, 5_000_000_000, res.Escrow.Receive)
	require.EqualValues(t, 50, res.Escrow.ReceiveHuman)
}

func TestFulfilConfirmedThenNotFound(t *testing.T) {
	h := newHarness(t)
	addr := h.createEscrow(t, 1)
	ctx := context.Background()
	s := h.session(h.ledger, h.taker)

	res, err := s.Escrow(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFound, res.Status)

	out, err := s.Fulfil(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, out.State)
	require.Equal(t, h.maker.PublicKey(), out.Maker)

	res, err = s.Escrow(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusNotFound, res.Status)

	list, err := s.EscrowsFor(ctx, h.maker.PublicKey())
	require.NoError(t, err)
	require.NotContains(t, list, addr)

	require.EqualValues(t, 100_000_000, h.ledger.TokenBalance(h.taker.PublicKey(), h.mintA))
	require.EqualValues(t, 5_000_000_000, h.ledger.TokenBalance(h.maker.PublicKey(), h.mintB))
}

func TestCancelConfirmedThenNotFound(t *testing.T) {
	h := newHarness(t)
	addr := h.createEscrow(t, 1)
	ctx := context.Background()
	s := h.session(h.ledger, h.maker)

	out, err := s.Cancel(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, out.State)

	res, err := s.Escrow(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusNotFound, res.Status)
	require.EqualValues(t, 1_000_000_000, h.ledger.TokenBalance(h.maker.PublicKey(), h.mintA))
}

func TestNoIdentityShortCircuits(t *testing.T) {
	h := newHarness(t)
	s := New(h.ledger, wallet.Disconnected{}, h.cache)
	ctx := context.Background()
	addr := solana.NewWallet().PublicKey()

	_, err := s.Create(ctx, h.mintA, h.mintB, "100", "50")
	require.ErrorIs(t, err, escrow.ErrIdentityUnavailable)
	_, err = s.Fulfil(ctx, addr)
	require.ErrorIs(t, err, escrow.ErrIdentityUnavailable)
	_, err = s.Cancel(ctx, addr)
	require.ErrorIs(t, err, escrow.ErrIdentityUnavailable)
	_, err = s.Balance(ctx)
	require.ErrorIs(t, err, escrow.ErrIdentityUnavailable)

	require.Zero(t, h.ledger.Calls())
	require.Equal(t, StateIdle, s.Status(addr))
}

func TestFulfilMissingEscrowIsNotFound(t *testing.T) {
	h := newHarness(t)
	s := h.session(h.ledger, h.taker)
	addr, _, err := escrow.DeriveEscrowAddress(h.maker.PublicKey(), 5, escrow.DefaultProgramID)
	require.NoError(t, err)

	out, err := s.Fulfil(context.Background(), addr)
	require.ErrorIs(t, err, escrow.ErrNotFound)
	require.Equal(t, StateIdle, out.State)
	require.Equal(t, StateIdle, s.Status(addr))
}

func TestConcurrentFulfilLoserConfirmsAlreadyClosed(t *testing.T) {
	h := newHarness(t)
	addr := h.createEscrow(t, 1)
	ctx := context.Background()

	rival := solana.NewWallet().PrivateKey
	h.ledger.MintTo(rival.PublicKey(), h.mintB, 10_000_000_000)
	winner := h.session(h.ledger, rival)

	conn := &hookedConn{Connection: h.ledger}
	conn.before = func() {
		out, err := winner.Fulfil(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, StateConfirmed, out.State)
		require.False(t, out.AlreadyClosed)
	}
	loser := h.session(conn, h.taker)

	out, err := loser.Fulfil(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, out.State)
	require.True(t, out.AlreadyClosed)
	require.NoError(t, out.Err)

	res, err := loser.Escrow(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusNotFound, res.Status)

	// Only the winner's swap happened.
	require.EqualValues(t, 100_000_000, h.ledger.TokenBalance(rival.PublicKey(), h.mintA))
	require.Zero(t, h.ledger.TokenBalance(h.taker.PublicKey(), h.mintA))
	require.EqualValues(t, 10_000_000_000, h.ledger.TokenBalance(h.taker.PublicKey(), h.mintB))
}

func TestFulfilLosingToCancelConfirmsAlreadyClosed(t *testing.T) {
	h := newHarness(t)
	addr := h.createEscrow(t, 1)
	ctx := context.Background()

	maker := h.session(h.ledger, h.maker)
	conn := &hookedConn{Connection: h.ledger}
	conn.before = func() {
		_, err := maker.Cancel(ctx, addr)
		require.NoError(t, err)
	}

	out, err := h.session(conn, h.taker).Fulfil(ctx, addr)
	require.NoError(t, err)
	require.True(t, out.AlreadyClosed)
	require.EqualValues(t, 1_000_000_000, h.ledger.TokenBalance(h.maker.PublicKey(), h.mintA))
}

func TestRejectedFulfilFailsWithoutTouchingCache(t *testing.T) {
	h := newHarness(t)
	addr := h.createEscrow(t, 1)
	ctx := context.Background()

	broke := solana.NewWallet().PrivateKey
	s := h.session(h.ledger, broke)

	res, err := s.Escrow(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFound, res.Status)
	invalidations := h.cache.Stats().Invalidations

	out, err := s.Fulfil(ctx, addr)
	require.ErrorIs(t, err, escrow.ErrSubmission)
	require.ErrorContains(t, err, "insufficient funds")
	require.Equal(t, StateFailed, out.State)
	require.False(t, out.AlreadyClosed)
	require.ErrorIs(t, out.Err, escrow.ErrSubmission)
	require.Equal(t, StateFailed, s.Status(addr))

	require.Equal(t, invalidations, h.cache.Stats().Invalidations)
	_, cached := h.cache.Get(escrow.EscrowKey(addr))
	require.True(t, cached)
	require.True(t, h.ledger.Exists(addr))
}

func TestRejectedCreateFails(t *testing.T) {
	h := newHarness(t)
	s := h.session(h.ledger, h.maker, WithSeedSource(escrow.FixedSeeds(3)))
	rejection := errors.New("blockhash not found")
	h.ledger.RejectNext(rejection)

	out, err := s.Create(context.Background(), h.mintA, h.mintB, "1", "1")
	require.ErrorIs(t, err, escrow.ErrSubmission)
	require.ErrorIs(t, err, rejection)
	require.Equal(t, StateFailed, out.State)
	require.Zero(t, h.cache.Stats().Invalidations)
	require.False(t, h.ledger.Exists(out.Escrow))
}

func TestDroppedTransactionFailsOnExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		s := h.session(h.ledger, h.maker, WithSeedSource(escrow.FixedSeeds(4)))
		invalidations := h.cache.Stats().Invalidations
		h.ledger.DropNext()

		out, err := s.Create(ctx, h.mintA, h.mintB, "1", "1")
		require.ErrorIs(t, err, escrow.ErrSubmission)
		require.ErrorIs(t, err, ledger.ErrBlockhashExpired)
		require.Equal(t, StateFailed, out.State)
		require.Equal(t, invalidations, h.cache.Stats().Invalidations)
		require.False(t, h.ledger.Exists(out.Escrow))
	})

	t.Run("cancel", func(t *testing.T) {
		addr := h.createEscrow(t, 5)
		s := h.session(h.ledger, h.maker)
		h.ledger.DropNext()

		out, err := s.Cancel(ctx, addr)
		require.ErrorIs(t, err, ledger.ErrBlockhashExpired)
		require.Equal(t, StateFailed, out.State)
		require.False(t, out.AlreadyClosed)
		require.True(t, h.ledger.Exists(addr))
	})
}

func TestCancelByNonMakerFails(t *testing.T) {
	h := newHarness(t)
	addr := h.createEscrow(t, 1)

	out, err := h.session(h.ledger, h.taker).Cancel(context.Background(), addr)
	require.ErrorIs(t, err, escrow.ErrSubmission)
	require.Equal(t, StateFailed, out.State)
	require.True(t, h.ledger.Exists(addr))
}

func TestObserverSeesEveryTransition(t *testing.T) {
	h := newHarness(t)
	var seen []State
	s := h.session(h.ledger, h.maker,
		WithSeedSource(escrow.FixedSeeds(9)),
		WithObserver(func(o Outcome) { seen = append(seen, o.State) }),
	)

	_, err := s.Create(context.Background(), h.mintA, h.mintB, "1", "1")
	require.NoError(t, err)
	require.Equal(t, []State{StatePending, StateConfirmed}, seen)
}

func TestBalance(t *testing.T) {
	h := newHarness(t)
	h.ledger.Airdrop(h.maker.PublicKey(), 2_000_000_000)

	got, err := h.session(h.ledger, h.maker).Balance(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2_000_000_000, got)
}
