package escrow

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"swapescrow/internal/address"
)

// MakeArgs are the make instruction arguments, in program order.
type MakeArgs struct {
	Seed    uint64
	Deposit uint64
	Receive uint64
}

type MakeAccounts struct {
	Maker  solana.PublicKey
	MintA  solana.PublicKey
	MintB  solana.PublicKey
	Escrow solana.PublicKey
}

type TakeAccounts struct {
	Taker  solana.PublicKey
	Maker  solana.PublicKey
	MintA  solana.PublicKey
	MintB  solana.PublicKey
	Escrow solana.PublicKey
}

type RefundAccounts struct {
	Maker  solana.PublicKey
	MintA  solana.PublicKey
	Escrow solana.PublicKey
}

func NewMakeInstruction(programID solana.PublicKey, accts MakeAccounts, args MakeArgs) (solana.Instruction, error) {
	vault, err := VaultAddress(accts.Escrow, accts.MintA)
	if err != nil {
		return nil, err
	}
	makerAtaA, err := address.AssociatedTokenAddress(accts.MintA, accts.Maker)
	if err != nil {
		return nil, err
	}

	data := new(bytes.Buffer)
	data.Write(makeDiscriminator[:])
	if err := bin.NewBorshEncoder(data).Encode(args); err != nil {
		return nil, fmt.Errorf("encode make args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(accts.Maker, true, true),
		solana.NewAccountMeta(accts.MintA, false, false),
		solana.NewAccountMeta(accts.MintB, false, false),
		solana.NewAccountMeta(makerAtaA, true, false),
		solana.NewAccountMeta(accts.Escrow, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(address.AssociatedTokenProgramID, false, false),
		solana.NewAccountMeta(address.TokenProgramID, false, false),
		solana.NewAccountMeta(address.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, data.Bytes()), nil
}

func NewTakeInstruction(programID solana.PublicKey, accts TakeAccounts) (solana.Instruction, error) {
	vault, err := VaultAddress(accts.Escrow, accts.MintA)
	if err != nil {
		return nil, err
	}
	takerAtaA, err := address.AssociatedTokenAddress(accts.MintA, accts.Taker)
	if err != nil {
		return nil, err
	}
	takerAtaB, err := address.AssociatedTokenAddress(accts.MintB, accts.Taker)
	if err != nil {
		return nil, err
	}
	makerAtaB, err := address.AssociatedTokenAddress(accts.MintB, accts.Maker)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(accts.Taker, true, true),
		solana.NewAccountMeta(accts.Maker, true, false),
		solana.NewAccountMeta(accts.MintA, false, false),
		solana.NewAccountMeta(accts.MintB, false, false),
		solana.NewAccountMeta(takerAtaA, true, false),
		solana.NewAccountMeta(takerAtaB, true, false),
		solana.NewAccountMeta(makerAtaB, true, false),
		solana.NewAccountMeta(accts.Escrow, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(address.AssociatedTokenProgramID, false, false),
		solana.NewAccountMeta(address.TokenProgramID, false, false),
		solana.NewAccountMeta(address.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, append([]byte(nil), takeDiscriminator[:]...)), nil
}

func NewRefundInstruction(programID solana.PublicKey, accts RefundAccounts) (solana.Instruction, error) {
	vault, err := VaultAddress(accts.Escrow, accts.MintA)
	if err != nil {
		return nil, err
	}
	makerAtaA, err := address.AssociatedTokenAddress(accts.MintA, accts.Maker)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(accts.Maker, true, true),
		solana.NewAccountMeta(accts.MintA, false, false),
		solana.NewAccountMeta(makerAtaA, true, false),
		solana.NewAccountMeta(accts.Escrow, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(address.AssociatedTokenProgramID, false, false),
		solana.NewAccountMeta(address.TokenProgramID, false, false),
		solana.NewAccountMeta(address.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, append([]byte(nil), refundDiscriminator[:]...)), nil
}

// DecodeInstructionData identifies an escrow instruction by discriminator.
// MakeArgs is only populated for TransitionCreate.
func DecodeInstructionData(data []byte) (Transition, MakeArgs, error) {
	if len(data) < DiscriminatorSize {
		return "", MakeArgs{}, fmt.Errorf("instruction data too short: %d bytes", len(data))
	}
	var disc [8]byte
	copy(disc[:], data[:DiscriminatorSize])
	body := data[DiscriminatorSize:]

	switch disc {
	case makeDiscriminator:
		var args MakeArgs
		if err := bin.NewBorshDecoder(body).Decode(&args); err != nil {
			return "", MakeArgs{}, fmt.Errorf("decode make args: %w", err)
		}
		return TransitionCreate, args, nil
	case takeDiscriminator:
		return TransitionFulfil, MakeArgs{}, nil
	case refundDiscriminator:
		return TransitionCancel, MakeArgs{}, nil
	default:
		return "", MakeArgs{}, fmt.Errorf("unknown instruction discriminator %x", disc)
	}
}
