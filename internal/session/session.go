// Package session drives escrow transitions from instruction building through
// submission and confirmation, and keeps the shared cache consistent with
// what it observed.
//
// Each escrow address moves Idle -> Pending -> Confirmed | Failed per
// attempt. Confirmed invalidates the escrow's record and its maker's list;
// Failed leaves the cache alone. Nothing is retried.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"swapescrow/internal/cache"
	"swapescrow/internal/escrow"
	"swapescrow/internal/ledger"
	"swapescrow/internal/wallet"
)

type State int

const (
	StateIdle State = iota
	StatePending
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome describes one transition attempt. It is also what observers see on
// every state change.
type Outcome struct {
	Transition escrow.Transition
	Escrow     solana.PublicKey
	Maker      solana.PublicKey
	Signature  solana.Signature
	State      State
	// AlreadyClosed marks a fulfil or cancel whose own transaction did not
	// land because the escrow had already been closed by someone else.
	AlreadyClosed bool
	Err           error
}

// Observer is called synchronously on every state change.
type Observer func(Outcome)

type Option func(*Session)

func WithProgramID(id solana.PublicKey) Option {
	return func(s *Session) { s.programID = id }
}

func WithSeedSource(src escrow.SeedSource) Option {
	return func(s *Session) { s.seeds = src }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

type Session struct {
	conn      ledger.Connection
	wallet    wallet.Wallet
	cache     *cache.Cache
	programID solana.PublicKey
	seeds     escrow.SeedSource
	logger    zerolog.Logger
	observers []Observer

	builder *escrow.Builder
	reader  *escrow.Reader

	mu     sync.Mutex
	states map[solana.PublicKey]State
}

// New wires a session around an explicit cache handle. Every reader of escrow
// state should share c so that invalidations here are visible to them.
func New(conn ledger.Connection, w wallet.Wallet, c *cache.Cache, opts ...Option) *Session {
	s := &Session{
		conn:      conn,
		wallet:    w,
		cache:     c,
		programID: escrow.DefaultProgramID,
		logger:    zerolog.Nop(),
		states:    make(map[solana.PublicKey]State),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "session").Logger()
	s.builder = escrow.NewBuilder(conn, s.programID, s.seeds, s.logger)
	s.reader = escrow.NewReader(conn, c, s.programID, s.logger)
	return s
}

// Identity returns the connected signer, if any.
func (s *Session) Identity() (solana.PublicKey, bool) {
	if s.wallet == nil {
		return solana.PublicKey{}, false
	}
	return s.wallet.PublicKey()
}

// Status reports the state of the latest attempt on an escrow address.
func (s *Session) Status(escrowAddr solana.PublicKey) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[escrowAddr]
}

// Escrow reads through the shared cache.
func (s *Session) Escrow(ctx context.Context, addr solana.PublicKey) (escrow.Result, error) {
	return s.reader.FetchEscrow(ctx, addr)
}

// EscrowsFor lists the escrow addresses made by owner.
func (s *Session) EscrowsFor(ctx context.Context, owner solana.PublicKey) ([]solana.PublicKey, error) {
	return s.reader.ListEscrowsFor(ctx, owner)
}

// Balance returns the connected identity's lamport balance.
func (s *Session) Balance(ctx context.Context) (uint64, error) {
	key, ok := s.Identity()
	if !ok {
		return 0, escrow.ErrIdentityUnavailable
	}
	return s.conn.GetBalance(ctx, key)
}

// Create locks deposit of mintA in a new escrow asking receive of mintB in
// return. Amounts are human decimal strings.
func (s *Session) Create(ctx context.Context, mintA, mintB solana.PublicKey, deposit, receive string) (Outcome, error) {
	key, ok := s.Identity()
	if !ok {
		return Outcome{Transition: escrow.TransitionCreate}, escrow.ErrIdentityUnavailable
	}
	p, err := s.builder.Create(ctx, escrow.CreateParams{
		Maker:   key,
		MintA:   mintA,
		MintB:   mintB,
		Deposit: deposit,
		Receive: receive,
	})
	if err != nil {
		return Outcome{Transition: escrow.TransitionCreate}, err
	}
	return s.submit(ctx, key, p)
}

// Fulfil takes the escrow at addr with the connected identity as taker.
func (s *Session) Fulfil(ctx context.Context, addr solana.PublicKey) (Outcome, error) {
	key, ok := s.Identity()
	if !ok {
		return Outcome{Transition: escrow.TransitionFulfil, Escrow: addr}, escrow.ErrIdentityUnavailable
	}
	p, err := s.builder.Fulfil(ctx, addr, key)
	if err != nil {
		return s.buildFailed(escrow.TransitionFulfil, addr, err)
	}
	return s.submit(ctx, key, p)
}

// Cancel refunds the escrow at addr to its maker. Only the maker's signature
// is accepted on chain.
func (s *Session) Cancel(ctx context.Context, addr solana.PublicKey) (Outcome, error) {
	key, ok := s.Identity()
	if !ok {
		return Outcome{Transition: escrow.TransitionCancel, Escrow: addr}, escrow.ErrIdentityUnavailable
	}
	p, err := s.builder.Cancel(ctx, addr)
	if err != nil {
		return s.buildFailed(escrow.TransitionCancel, addr, err)
	}
	return s.submit(ctx, key, p)
}

// buildFailed handles errors raised before anything was submitted. A missing
// escrow means any cached record is stale.
func (s *Session) buildFailed(t escrow.Transition, addr solana.PublicKey, err error) (Outcome, error) {
	if errors.Is(err, escrow.ErrNotFound) {
		s.cache.Invalidate(escrow.EscrowKey(addr))
	}
	return Outcome{Transition: t, Escrow: addr}, err
}

func (s *Session) submit(ctx context.Context, payer solana.PublicKey, p *escrow.Prepared) (Outcome, error) {
	out := Outcome{
		Transition: p.Transition,
		Escrow:     p.Escrow,
		Maker:      p.Maker,
	}
	s.transition(&out, StatePending)

	sig, lastValid, err := s.send(ctx, payer, p.Instruction)
	out.Signature = sig
	if err == nil {
		err = s.conn.Confirm(ctx, sig, lastValid)
	}
	if err != nil {
		return s.settleFailure(ctx, out, err)
	}

	s.invalidate(p)
	s.transition(&out, StateConfirmed)
	s.logger.Info().
		Str("transition", string(p.Transition)).
		Stringer("escrow", p.Escrow).
		Stringer("signature", sig).
		Msg("escrow transition confirmed")
	return out, nil
}

// send returns the signature and the last block height the transaction can
// land at.
func (s *Session) send(ctx context.Context, payer solana.PublicKey, ix solana.Instruction) (solana.Signature, uint64, error) {
	blockhash, err := s.conn.GetLatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, 0, fmt.Errorf("latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash.Hash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, 0, fmt.Errorf("build transaction: %w", err)
	}
	sig, err := s.wallet.SendTransaction(ctx, tx, s.conn)
	return sig, blockhash.LastValidBlockHeight, err
}

// settleFailure decides between Failed and an already-closed Confirmed. A
// fulfil or cancel that lost a race finds the escrow gone; that is the
// outcome the caller wanted, so the cache is invalidated as on success.
func (s *Session) settleFailure(ctx context.Context, out Outcome, cause error) (Outcome, error) {
	if out.Transition != escrow.TransitionCreate && ctx.Err() == nil {
		res, err := s.reader.Load(ctx, out.Escrow)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Stringer("escrow", out.Escrow).Msg("post-failure escrow lookup failed")
		case res.Status == escrow.StatusNotFound:
			s.cache.Invalidate(escrow.EscrowKey(out.Escrow), escrow.MakerListKey(out.Maker))
			out.AlreadyClosed = true
			s.transition(&out, StateConfirmed)
			s.logger.Info().
				Str("transition", string(out.Transition)).
				Stringer("escrow", out.Escrow).
				AnErr("cause", cause).
				Msg("escrow already closed")
			return out, nil
		}
	}

	out.Err = fmt.Errorf("%w: %w", escrow.ErrSubmission, cause)
	s.transition(&out, StateFailed)
	s.logger.Warn().
		Err(cause).
		Str("transition", string(out.Transition)).
		Stringer("escrow", out.Escrow).
		Msg("escrow transition failed")
	return out, out.Err
}

func (s *Session) invalidate(p *escrow.Prepared) {
	s.cache.Invalidate(escrow.EscrowKey(p.Escrow), escrow.MakerListKey(p.Maker))
}

func (s *Session) transition(out *Outcome, to State) {
	out.State = to
	s.mu.Lock()
	s.states[out.Escrow] = to
	s.mu.Unlock()
	for _, o := range s.observers {
		o(*out)
	}
}
