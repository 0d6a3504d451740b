// Package ledger is the client's view of the chain: account reads, program
// scans, token balances and transaction submission.
package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrAccountNotFound is returned by reads of an address that holds no account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrBlockhashExpired means the chain passed the transaction's last valid
	// block height without including it.
	ErrBlockhashExpired = errors.New("blockhash expired before confirmation")
)

// Blockhash is a recent blockhash and the last block height at which a
// transaction referencing it can still land.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

type KeyedAccount struct {
	Address solana.PublicKey
	Account Account
}

// TokenBalance is a token account balance in native units.
type TokenBalance struct {
	Amount   uint64
	Decimals uint8
}

// Memcmp matches accounts whose data contains Bytes at Offset.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// Matches reports whether data satisfies the filter.
func (m Memcmp) Matches(data []byte) bool {
	end := m.Offset + uint64(len(m.Bytes))
	if end > uint64(len(data)) {
		return false
	}
	for i, b := range m.Bytes {
		if data[m.Offset+uint64(i)] != b {
			return false
		}
	}
	return true
}

// Reader is the read-only subset used by instruction building and decoding.
type Reader interface {
	GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error)
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...Memcmp) ([]KeyedAccount, error)
	GetTokenAccountBalance(ctx context.Context, address solana.PublicKey) (TokenBalance, error)
}

// Connection adds submission and confirmation.
type Connection interface {
	Reader
	GetLatestBlockhash(ctx context.Context) (Blockhash, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// Confirm blocks until the transaction is confirmed, it fails on chain,
	// the block height passes lastValidBlockHeight (ErrBlockhashExpired), or
	// ctx is done.
	Confirm(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error
}
