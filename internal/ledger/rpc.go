package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

// RPC talks to a cluster through the JSON-RPC API.
type RPC struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
	pollEvery  time.Duration
	logger     zerolog.Logger
}

type RPCConfig struct {
	URL        string
	Commitment string
	PollEvery  time.Duration
}

func NewRPC(cfg RPCConfig, logger zerolog.Logger) (*RPC, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	commitment := rpc.CommitmentConfirmed
	if cfg.Commitment != "" {
		commitment = rpc.CommitmentType(cfg.Commitment)
	}
	poll := cfg.PollEvery
	if poll <= 0 {
		poll = 700 * time.Millisecond
	}
	return &RPC{
		client:     rpc.New(cfg.URL),
		commitment: commitment,
		pollEvery:  poll,
		logger:     logger.With().Str("component", "ledger").Logger(),
	}, nil
}

func (r *RPC) GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	resp, err := r.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: r.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	return &Account{
		Owner:    resp.Value.Owner,
		Lamports: resp.Value.Lamports,
		Data:     resp.Value.Data.GetBinary(),
	}, nil
}

func (r *RPC) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...Memcmp) ([]KeyedAccount, error) {
	rpcFilters := make([]rpc.RPCFilter, 0, len(filters))
	for _, f := range filters {
		rpcFilters = append(rpcFilters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: f.Offset, Bytes: solana.Base58(f.Bytes)},
		})
	}

	res, err := r.client.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Commitment: r.commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    rpcFilters,
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", program, err)
	}

	out := make([]KeyedAccount, 0, len(res))
	for _, item := range res {
		if item == nil || item.Account == nil {
			continue
		}
		out = append(out, KeyedAccount{
			Address: item.Pubkey,
			Account: Account{
				Owner:    item.Account.Owner,
				Lamports: item.Account.Lamports,
				Data:     item.Account.Data.GetBinary(),
			},
		})
	}
	return out, nil
}

func (r *RPC) GetTokenAccountBalance(ctx context.Context, address solana.PublicKey) (TokenBalance, error) {
	res, err := r.client.GetTokenAccountBalance(ctx, address, r.commitment)
	if err != nil {
		if isMissingAccount(err) {
			return TokenBalance{}, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
		}
		return TokenBalance{}, fmt.Errorf("get token balance %s: %w", address, err)
	}
	if res == nil || res.Value == nil {
		return TokenBalance{}, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return TokenBalance{}, fmt.Errorf("parse token balance %q: %w", res.Value.Amount, err)
	}
	return TokenBalance{Amount: amount, Decimals: res.Value.Decimals}, nil
}

func (r *RPC) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	res, err := r.client.GetLatestBlockhash(ctx, r.commitment)
	if err != nil {
		return Blockhash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if res == nil || res.Value == nil {
		return Blockhash{}, errors.New("get latest blockhash: empty response")
	}
	return Blockhash{
		Hash:                 res.Value.Blockhash,
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

func (r *RPC) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	res, err := r.client.GetBalance(ctx, address, r.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", address, err)
	}
	return res.Value, nil
}

func (r *RPC) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := r.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: r.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	r.logger.Debug().Stringer("signature", sig).Msg("transaction sent")
	return sig, nil
}

// Confirm polls signature status. While the signature is unknown it also
// checks the block height, and gives up once the blockhash can no longer land.
func (r *RPC) Confirm(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := r.client.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				r.logger.Debug().Err(err).Stringer("signature", sig).Msg("signature status poll failed")
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				if r.expired(ctx, lastValidBlockHeight) {
					return fmt.Errorf("transaction %s: %w", sig, ErrBlockhashExpired)
				}
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed: %v", sig, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

func (r *RPC) expired(ctx context.Context, lastValidBlockHeight uint64) bool {
	height, err := r.client.GetBlockHeight(ctx, r.commitment)
	if err != nil {
		r.logger.Debug().Err(err).Msg("block height poll failed")
		return false
	}
	return height > lastValidBlockHeight
}

// isMissingAccount matches the node's "Invalid param: could not find account"
// error.
func isMissingAccount(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "could not find account")
}
