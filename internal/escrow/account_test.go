package escrow

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"swapescrow/internal/address"
	"swapescrow/internal/ledger"
)

var (
	testMaker = solana.MustPublicKeyFromBase58("neu8TtbzP36kxRsZ97uq6s6avYu8wviMApTLvJ3vge3")
	testMintA = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	testMintB = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
)

func TestDiscriminators(t *testing.T) {
	require.Equal(t, [8]byte{31, 213, 123, 187, 186, 22, 218, 155}, AccountDiscriminator)
	require.Equal(t, [8]byte{138, 227, 232, 77, 223, 166, 96, 197}, makeDiscriminator)
	require.Equal(t, [8]byte{149, 226, 52, 104, 6, 142, 230, 39}, takeDiscriminator)
	require.Equal(t, [8]byte{2, 96, 183, 251, 63, 208, 46, 46}, refundDiscriminator)
	require.Equal(t, 121, AccountSize)
}

func TestEncodeDecodeAccount(t *testing.T) {
	in := Account{
		Seed:    0x0102030405060708,
		Maker:   testMaker,
		MintA:   testMintA,
		MintB:   testMintB,
		Receive: 5_000_000_000,
		Bump:    254,
	}
	data, err := EncodeAccount(in)
	require.NoError(t, err)
	require.Len(t, data, AccountSize)

	// Field offsets are fixed by the program.
	require.Equal(t, byte(0x08), data[8])
	require.Equal(t, testMaker[:], data[MakerOffset:MakerOffset+PubkeySize])
	require.Equal(t, byte(254), data[AccountSize-1])

	out, err := DecodeAccount(&ledger.Account{Owner: DefaultProgramID, Data: data}, DefaultProgramID)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeAccountLayoutMismatch(t *testing.T) {
	good, err := EncodeAccount(Account{Maker: testMaker, MintA: testMintA, MintB: testMintB, Receive: 1})
	require.NoError(t, err)

	badDisc := append([]byte(nil), good...)
	badDisc[0] ^= 0xff

	cases := []struct {
		name string
		acc  ledger.Account
	}{
		{"wrong owner", ledger.Account{Owner: address.TokenProgramID, Data: good}},
		{"short", ledger.Account{Owner: DefaultProgramID, Data: good[:AccountSize-1]}},
		{"long", ledger.Account{Owner: DefaultProgramID, Data: append(append([]byte(nil), good...), 0)}},
		{"discriminator", ledger.Account{Owner: DefaultProgramID, Data: badDisc}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeAccount(&tc.acc, DefaultProgramID)
			require.ErrorIs(t, err, ErrLayoutMismatch)
		})
	}
}

func TestDeriveEscrowAddressMatchesSolanaGo(t *testing.T) {
	got, bump, err := DeriveEscrowAddress(testMaker, 42, DefaultProgramID)
	require.NoError(t, err)

	want, wantBump, err := solana.FindProgramAddress([][]byte{[]byte("escrow"), testMaker[:], {42, 0, 0, 0, 0, 0, 0, 0}}, DefaultProgramID)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, wantBump, bump)

	vault, err := VaultAddress(got, testMintA)
	require.NoError(t, err)
	wantVault, _, err := solana.FindAssociatedTokenAddress(got, testMintA)
	require.NoError(t, err)
	require.Equal(t, wantVault, vault)
}

func TestMakeInstructionLayout(t *testing.T) {
	escrowAddr, _, err := DeriveEscrowAddress(testMaker, 7, DefaultProgramID)
	require.NoError(t, err)

	ix, err := NewMakeInstruction(DefaultProgramID, MakeAccounts{
		Maker:  testMaker,
		MintA:  testMintA,
		MintB:  testMintB,
		Escrow: escrowAddr,
	}, MakeArgs{Seed: 7, Deposit: 100_000_000, Receive: 5_000_000_000})
	require.NoError(t, err)
	require.Equal(t, DefaultProgramID, ix.ProgramID())

	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, DiscriminatorSize+24)

	transition, args, err := DecodeInstructionData(data)
	require.NoError(t, err)
	require.Equal(t, TransitionCreate, transition)
	require.Equal(t, MakeArgs{Seed: 7, Deposit: 100_000_000, Receive: 5_000_000_000}, args)

	makerAtaA, err := address.AssociatedTokenAddress(testMintA, testMaker)
	require.NoError(t, err)
	vault, err := VaultAddress(escrowAddr, testMintA)
	require.NoError(t, err)

	want := []*solana.AccountMeta{
		{PublicKey: testMaker, IsWritable: true, IsSigner: true},
		{PublicKey: testMintA},
		{PublicKey: testMintB},
		{PublicKey: makerAtaA, IsWritable: true},
		{PublicKey: escrowAddr, IsWritable: true},
		{PublicKey: vault, IsWritable: true},
		{PublicKey: address.AssociatedTokenProgramID},
		{PublicKey: address.TokenProgramID},
		{PublicKey: address.SystemProgramID},
	}
	require.Equal(t, want, []*solana.AccountMeta(ix.Accounts()))
}

func TestTakeAndRefundInstructionLayout(t *testing.T) {
	escrowAddr, _, err := DeriveEscrowAddress(testMaker, 7, DefaultProgramID)
	require.NoError(t, err)
	taker := solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")

	take, err := NewTakeInstruction(DefaultProgramID, TakeAccounts{
		Taker: taker, Maker: testMaker, MintA: testMintA, MintB: testMintB, Escrow: escrowAddr,
	})
	require.NoError(t, err)
	accts := take.Accounts()
	require.Len(t, accts, 12)
	require.True(t, accts[0].IsSigner)
	require.Equal(t, taker, accts[0].PublicKey)
	require.Equal(t, testMaker, accts[1].PublicKey)
	require.False(t, accts[1].IsSigner)
	require.Equal(t, escrowAddr, accts[7].PublicKey)

	data, err := take.Data()
	require.NoError(t, err)
	transition, _, err := DecodeInstructionData(data)
	require.NoError(t, err)
	require.Equal(t, TransitionFulfil, transition)

	refund, err := NewRefundInstruction(DefaultProgramID, RefundAccounts{
		Maker: testMaker, MintA: testMintA, Escrow: escrowAddr,
	})
	require.NoError(t, err)
	accts = refund.Accounts()
	require.Len(t, accts, 8)
	require.True(t, accts[0].IsSigner)
	require.Equal(t, escrowAddr, accts[3].PublicKey)

	data, err = refund.Data()
	require.NoError(t, err)
	transition, _, err = DecodeInstructionData(data)
	require.NoError(t, err)
	require.Equal(t, TransitionCancel, transition)
}

func TestDecodeInstructionDataRejectsUnknown(t *testing.T) {
	_, _, err := DecodeInstructionData([]byte{1, 2, 3})
	require.Error(t, err)
	_, _, err = DecodeInstructionData(make([]byte, 8))
	require.Error(t, err)
}

func TestResultErr(t *testing.T) {
	require.NoError(t, found(&Escrow{}).Err())
	require.ErrorIs(t, notFound().Err(), ErrNotFound)
	require.ErrorIs(t, layoutMismatch(ErrLayoutMismatch).Err(), ErrLayoutMismatch)
	require.Equal(t, "not_found", StatusNotFound.String())
}
