// Package wallet signs and sends transactions on behalf of one identity.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"swapescrow/internal/ledger"
)

var ErrNoIdentity = errors.New("wallet has no identity")

type Wallet interface {
	// PublicKey reports the signer identity; ok is false when none is
	// connected.
	PublicKey() (key solana.PublicKey, ok bool)
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
	SignAllTransactions(ctx context.Context, txs []*solana.Transaction) error
	SendTransaction(ctx context.Context, tx *solana.Transaction, conn ledger.Connection) (solana.Signature, error)
}

// Keypair holds a private key in memory.
type Keypair struct {
	key solana.PrivateKey
}

func NewKeypair(key solana.PrivateKey) *Keypair {
	return &Keypair{key: key}
}

// FromKeygenFile loads a solana-keygen JSON keypair.
func FromKeygenFile(path string) (*Keypair, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	return NewKeypair(key), nil
}

func (k *Keypair) PublicKey() (solana.PublicKey, bool) {
	return k.key.PublicKey(), true
}

func (k *Keypair) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	pub := k.key.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(key) {
			return &k.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

func (k *Keypair) SignAllTransactions(ctx context.Context, txs []*solana.Transaction) error {
	for i, tx := range txs {
		if err := k.SignTransaction(ctx, tx); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}

func (k *Keypair) SendTransaction(ctx context.Context, tx *solana.Transaction, conn ledger.Connection) (solana.Signature, error) {
	if err := k.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, err
	}
	return conn.SendTransaction(ctx, tx)
}

// Disconnected is a wallet with no identity; every operation fails.
type Disconnected struct{}

func (Disconnected) PublicKey() (solana.PublicKey, bool) { return solana.PublicKey{}, false }

func (Disconnected) SignTransaction(context.Context, *solana.Transaction) error {
	return ErrNoIdentity
}

func (Disconnected) SignAllTransactions(context.Context, []*solana.Transaction) error {
	return ErrNoIdentity
}

func (Disconnected) SendTransaction(context.Context, *solana.Transaction, ledger.Connection) (solana.Signature, error) {
	return solana.Signature{}, ErrNoIdentity
}
