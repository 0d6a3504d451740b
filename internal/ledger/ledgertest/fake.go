// Package ledgertest provides an in-memory ledger that runs the escrow
// program's make, take and refund instructions, for tests and local demos.
package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"swapescrow/internal/address"
	"swapescrow/internal/escrow"
	"swapescrow/internal/ledger"
)

// mintSize is the SPL token mint account length.
const mintSize = 82

// blockhashValidity is how many blocks past issue a blockhash stays usable.
const blockhashValidity = 150

type tokenAccount struct {
	mint   solana.PublicKey
	owner  solana.PublicKey
	amount uint64
}

// Fake is safe for concurrent use. Every transaction either applies all of
// its instructions or is rejected with no effect. The slot doubles as the
// block height and advances once per applied transaction.
type Fake struct {
	programID solana.PublicKey

	mu        sync.Mutex
	accounts  map[solana.PublicKey]ledger.Account
	tokens    map[solana.PublicKey]*tokenAccount
	decimals  map[solana.PublicKey]uint8
	lamports  map[solana.PublicKey]uint64
	confirmed map[solana.Signature]error
	slot      uint64
	calls     int
	reject    error
	drop      bool
}

func New(programID solana.PublicKey) *Fake {
	return &Fake{
		programID: programID,
		accounts:  make(map[solana.PublicKey]ledger.Account),
		tokens:    make(map[solana.PublicKey]*tokenAccount),
		decimals:  make(map[solana.PublicKey]uint8),
		lamports:  make(map[solana.PublicKey]uint64),
		confirmed: make(map[solana.Signature]error),
	}
}

var _ ledger.Connection = (*Fake)(nil)

// CreateMint registers a fresh mint with the given decimals.
func (f *Fake) CreateMint(decimals uint8) solana.PublicKey {
	mint := solana.NewWallet().PublicKey()
	f.PutMint(mint, decimals)
	return mint
}

// PutMint stores a mint account at a chosen address.
func (f *Fake) PutMint(mint solana.PublicKey, decimals uint8) {
	data := make([]byte, mintSize)
	data[44] = decimals
	data[45] = 1

	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimals[mint] = decimals
	f.accounts[mint] = ledger.Account{Owner: address.TokenProgramID, Data: data}
}

// PutAccount stores arbitrary account data, e.g. to exercise decoding errors.
func (f *Fake) PutAccount(addr solana.PublicKey, acc ledger.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = acc
}

// MintTo credits amount native units of mint to owner's associated account.
func (f *Fake) MintTo(owner, mint solana.PublicKey, amount uint64) {
	ata := address.MustAssociatedTokenAddress(mint, owner)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.credit(ata, mint, owner, amount)
}

// TokenBalance returns owner's balance of mint, zero when no account exists.
func (f *Fake) TokenBalance(owner, mint solana.PublicKey) uint64 {
	ata := address.MustAssociatedTokenAddress(mint, owner)

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tokens[ata]; ok {
		return t.amount
	}
	return 0
}

// Airdrop credits lamports to addr.
func (f *Fake) Airdrop(addr solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lamports[addr] += lamports
}

// Exists reports whether an account is stored at addr.
func (f *Fake) Exists(addr solana.PublicKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accounts[addr]
	return ok
}

// RejectNext makes the next SendTransaction fail with err.
func (f *Fake) RejectNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = err
}

// DropNext makes the next SendTransaction return a signature without
// applying the transaction, then moves the block height past every blockhash
// issued so far, as when a transaction is dropped and its blockhash expires.
func (f *Fake) DropNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop = true
}

// Calls counts every ledger method invocation.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) GetAccount(_ context.Context, addr solana.PublicKey) (*ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	acc, ok := f.accounts[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, ledger.ErrAccountNotFound)
	}
	acc.Data = append([]byte(nil), acc.Data...)
	return &acc, nil
}

func (f *Fake) GetProgramAccounts(_ context.Context, program solana.PublicKey, filters ...ledger.Memcmp) ([]ledger.KeyedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	var out []ledger.KeyedAccount
	for addr, acc := range f.accounts {
		if !acc.Owner.Equals(program) {
			continue
		}
		matched := true
		for _, filter := range filters {
			if !filter.Matches(acc.Data) {
				matched = false
				break
			}
		}
		if matched {
			acc.Data = append([]byte(nil), acc.Data...)
			out = append(out, ledger.KeyedAccount{Address: addr, Account: acc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}

func (f *Fake) GetTokenAccountBalance(_ context.Context, addr solana.PublicKey) (ledger.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	t, ok := f.tokens[addr]
	if !ok {
		return ledger.TokenBalance{}, fmt.Errorf("%s: %w", addr, ledger.ErrAccountNotFound)
	}
	return ledger.TokenBalance{Amount: t.amount, Decimals: f.decimals[t.mint]}, nil
}

func (f *Fake) GetLatestBlockhash(context.Context) (ledger.Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], f.slot)
	return ledger.Blockhash{
		Hash:                 solana.Hash(sha256.Sum256(b[:])),
		LastValidBlockHeight: f.slot + blockhashValidity,
	}, nil
}

func (f *Fake) GetBalance(_ context.Context, addr solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.lamports[addr], nil
}

func (f *Fake) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if err := f.reject; err != nil {
		f.reject = nil
		return solana.Signature{}, err
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction is not signed")
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if f.drop {
		f.drop = false
		f.slot += blockhashValidity + 1
		return tx.Signatures[0], nil
	}

	saved := f.snapshot()
	if err := f.apply(tx); err != nil {
		f.restore(saved)
		return solana.Signature{}, err
	}

	f.slot++
	sig := tx.Signatures[0]
	f.confirmed[sig] = nil
	return sig, nil
}

func (f *Fake) apply(tx *solana.Transaction) error {
	for i, ci := range tx.Message.Instructions {
		program, err := tx.Message.ResolveProgramIDIndex(ci.ProgramIDIndex)
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		if !program.Equals(f.programID) {
			return fmt.Errorf("instruction %d: unsupported program %s", i, program)
		}
		keys := make([]solana.PublicKey, len(ci.Accounts))
		for j, idx := range ci.Accounts {
			if int(idx) >= len(tx.Message.AccountKeys) {
				return fmt.Errorf("instruction %d: account index %d out of range", i, idx)
			}
			keys[j] = tx.Message.AccountKeys[idx]
		}
		if err := f.execute(tx.Message, keys, ci.Data); err != nil {
			return fmt.Errorf("simulation failed: instruction %d: %w", i, err)
		}
	}
	return nil
}

type state struct {
	accounts map[solana.PublicKey]ledger.Account
	tokens   map[solana.PublicKey]tokenAccount
}

// snapshot copies what instructions can change. Account data is replaced,
// never written in place, so the account map is copied shallowly.
func (f *Fake) snapshot() state {
	s := state{
		accounts: maps.Clone(f.accounts),
		tokens:   make(map[solana.PublicKey]tokenAccount, len(f.tokens)),
	}
	for k, t := range f.tokens {
		s.tokens[k] = *t
	}
	return s
}

func (f *Fake) restore(s state) {
	f.accounts = s.accounts
	f.tokens = make(map[solana.PublicKey]*tokenAccount, len(s.tokens))
	for k, t := range s.tokens {
		f.tokens[k] = &t
	}
}

func (f *Fake) Confirm(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	res, ok := f.confirmed[sig]
	if !ok {
		if f.slot > lastValidBlockHeight {
			return fmt.Errorf("transaction %s: %w", sig, ledger.ErrBlockhashExpired)
		}
		return fmt.Errorf("signature %s unknown", sig)
	}
	return res
}

func (f *Fake) execute(msg solana.Message, keys []solana.PublicKey, data []byte) error {
	transition, args, err := escrow.DecodeInstructionData(data)
	if err != nil {
		return err
	}
	switch transition {
	case escrow.TransitionCreate:
		return f.make(msg, keys, args)
	case escrow.TransitionFulfil:
		return f.take(msg, keys)
	case escrow.TransitionCancel:
		return f.refund(msg, keys)
	default:
		return fmt.Errorf("unhandled transition %q", transition)
	}
}

func (f *Fake) make(msg solana.Message, keys []solana.PublicKey, args escrow.MakeArgs) error {
	if len(keys) != 9 {
		return fmt.Errorf("make: expected 9 accounts, got %d", len(keys))
	}
	maker, mintA, mintB, makerAtaA, escrowAddr, vault := keys[0], keys[1], keys[2], keys[3], keys[4], keys[5]

	if !msg.IsSigner(maker) {
		return errors.New("make: maker must sign")
	}
	if err := f.checkPrograms(keys[6:]); err != nil {
		return err
	}
	if _, ok := f.decimals[mintA]; !ok {
		return fmt.Errorf("make: mint_a %s is not a mint", mintA)
	}
	if _, ok := f.decimals[mintB]; !ok {
		return fmt.Errorf("make: mint_b %s is not a mint", mintB)
	}
	if args.Deposit == 0 || args.Receive == 0 {
		return errors.New("make: amounts must be positive")
	}

	wantEscrow, bump, err := escrow.DeriveEscrowAddress(maker, args.Seed, f.programID)
	if err != nil {
		return err
	}
	if !wantEscrow.Equals(escrowAddr) {
		return fmt.Errorf("make: ConstraintSeeds: escrow %s, want %s", escrowAddr, wantEscrow)
	}
	if _, exists := f.accounts[escrowAddr]; exists {
		return fmt.Errorf("make: escrow %s already in use", escrowAddr)
	}
	if err := expectATA(makerAtaA, mintA, maker, "maker_ata_a"); err != nil {
		return err
	}
	if err := expectATA(vault, mintA, escrowAddr, "vault"); err != nil {
		return err
	}

	src, ok := f.tokens[makerAtaA]
	if !ok || src.amount < args.Deposit {
		return errors.New("make: insufficient funds")
	}

	data, err := escrow.EncodeAccount(escrow.Account{
		Seed:    args.Seed,
		Maker:   maker,
		MintA:   mintA,
		MintB:   mintB,
		Receive: args.Receive,
		Bump:    bump,
	})
	if err != nil {
		return err
	}

	src.amount -= args.Deposit
	f.credit(vault, mintA, escrowAddr, args.Deposit)
	f.accounts[escrowAddr] = ledger.Account{Owner: f.programID, Data: data}
	return nil
}

func (f *Fake) take(msg solana.Message, keys []solana.PublicKey) error {
	if len(keys) != 12 {
		return fmt.Errorf("take: expected 12 accounts, got %d", len(keys))
	}
	taker, maker, mintA, mintB := keys[0], keys[1], keys[2], keys[3]
	takerAtaA, takerAtaB, makerAtaB, escrowAddr, vault := keys[4], keys[5], keys[6], keys[7], keys[8]

	if !msg.IsSigner(taker) {
		return errors.New("take: taker must sign")
	}
	if err := f.checkPrograms(keys[9:]); err != nil {
		return err
	}
	acc, err := f.escrowAccount(escrowAddr)
	if err != nil {
		return err
	}
	if !acc.Maker.Equals(maker) || !acc.MintA.Equals(mintA) || !acc.MintB.Equals(mintB) {
		return errors.New("take: ConstraintHasOne: escrow does not match maker or mints")
	}
	for _, c := range []struct {
		got, mint, owner solana.PublicKey
		name             string
	}{
		{takerAtaA, mintA, taker, "taker_ata_a"},
		{takerAtaB, mintB, taker, "taker_ata_b"},
		{makerAtaB, mintB, maker, "maker_ata_b"},
		{vault, mintA, escrowAddr, "vault"},
	} {
		if err := expectATA(c.got, c.mint, c.owner, c.name); err != nil {
			return err
		}
	}

	payer, ok := f.tokens[takerAtaB]
	if !ok || payer.amount < acc.Receive {
		return errors.New("take: insufficient funds")
	}
	held, ok := f.tokens[vault]
	if !ok {
		return errors.New("take: vault missing")
	}

	payer.amount -= acc.Receive
	f.credit(makerAtaB, mintB, maker, acc.Receive)
	f.credit(takerAtaA, mintA, taker, held.amount)
	delete(f.tokens, vault)
	delete(f.accounts, escrowAddr)
	return nil
}

func (f *Fake) refund(msg solana.Message, keys []solana.PublicKey) error {
	if len(keys) != 8 {
		return fmt.Errorf("refund: expected 8 accounts, got %d", len(keys))
	}
	maker, mintA, makerAtaA, escrowAddr, vault := keys[0], keys[1], keys[2], keys[3], keys[4]

	if !msg.IsSigner(maker) {
		return errors.New("refund: maker must sign")
	}
	if err := f.checkPrograms(keys[5:]); err != nil {
		return err
	}
	acc, err := f.escrowAccount(escrowAddr)
	if err != nil {
		return err
	}
	if !acc.Maker.Equals(maker) || !acc.MintA.Equals(mintA) {
		return errors.New("refund: ConstraintHasOne: escrow does not match maker or mint")
	}
	if err := expectATA(makerAtaA, mintA, maker, "maker_ata_a"); err != nil {
		return err
	}
	if err := expectATA(vault, mintA, escrowAddr, "vault"); err != nil {
		return err
	}
	held, ok := f.tokens[vault]
	if !ok {
		return errors.New("refund: vault missing")
	}

	f.credit(makerAtaA, mintA, maker, held.amount)
	delete(f.tokens, vault)
	delete(f.accounts, escrowAddr)
	return nil
}

func (f *Fake) escrowAccount(addr solana.PublicKey) (escrow.Account, error) {
	raw, ok := f.accounts[addr]
	if !ok {
		return escrow.Account{}, fmt.Errorf("AccountNotInitialized: escrow %s", addr)
	}
	return escrow.DecodeAccount(&raw, f.programID)
}

func (f *Fake) checkPrograms(keys []solana.PublicKey) error {
	want := []solana.PublicKey{address.AssociatedTokenProgramID, address.TokenProgramID, address.SystemProgramID}
	for i, k := range keys {
		if !k.Equals(want[i]) {
			return fmt.Errorf("InvalidProgramId: got %s, want %s", k, want[i])
		}
	}
	return nil
}

func (f *Fake) credit(ata, mint, owner solana.PublicKey, amount uint64) {
	t, ok := f.tokens[ata]
	if !ok {
		t = &tokenAccount{mint: mint, owner: owner}
		f.tokens[ata] = t
	}
	t.amount += amount
}

func expectATA(got, mint, owner solana.PublicKey, name string) error {
	want, err := address.AssociatedTokenAddress(mint, owner)
	if err != nil {
		return err
	}
	if !got.Equals(want) {
		return fmt.Errorf("ConstraintAssociated: %s is %s, want %s", name, got, want)
	}
	return nil
}

// Submit signs ix with signers, the first paying, and sends it.
func (f *Fake) Submit(ctx context.Context, ix solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	if len(signers) == 0 {
		return solana.Signature{}, errors.New("at least one signer is required")
	}
	blockhash, err := f.GetLatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash.Hash, solana.TransactionPayer(signers[0].PublicKey()))
	if err != nil {
		return solana.Signature{}, err
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}); err != nil {
		return solana.Signature{}, err
	}
	return f.SendTransaction(ctx, tx)
}
