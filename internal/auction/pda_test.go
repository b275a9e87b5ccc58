package auction

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestPDADerivationIsDeterministic(t *testing.T) {
	auctionID := solana.NewWallet().PublicKey()
	bidder := solana.NewWallet().PublicKey()

	first, bump, err := DeriveAuctionPDA(ProgramID, auctionID)
	require.NoError(t, err)
	second, bump2, err := DeriveAuctionPDA(ProgramID, auctionID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, bump, bump2)
	require.Equal(t, first, MustDeriveAuctionPDA(ProgramID, auctionID))

	// Every role maps the same entities to a distinct address.
	extended, _, err := DeriveExtendedPDA(ProgramID, auctionID)
	require.NoError(t, err)
	escrow, _, err := DeriveEscrowPDA(ProgramID, auctionID, bidder)
	require.NoError(t, err)
	meta, _, err := DeriveBidderMetaPDA(ProgramID, auctionID, bidder)
	require.NoError(t, err)

	seen := map[solana.PublicKey]bool{}
	for _, key := range []solana.PublicKey{first, extended, escrow, meta} {
		require.False(t, seen[key], "duplicate derived address %s", key)
		seen[key] = true
	}
}

func TestPDADerivationVariesPerBidder(t *testing.T) {
	auctionID := solana.NewWallet().PublicKey()
	alice := solana.NewWallet().PublicKey()
	bob := solana.NewWallet().PublicKey()

	aliceEscrow, _, err := DeriveEscrowPDA(ProgramID, auctionID, alice)
	require.NoError(t, err)
	bobEscrow, _, err := DeriveEscrowPDA(ProgramID, auctionID, bob)
	require.NoError(t, err)
	require.NotEqual(t, aliceEscrow, bobEscrow)
}

func TestExpectDerived(t *testing.T) {
	auctionID := solana.NewWallet().PublicKey()
	derived := MustDeriveAuctionPDA(ProgramID, auctionID)

	account := NewAccount(derived, ProgramID)
	require.NoError(t, expectDerived(account, derived, nil))

	imposter := NewAccount(solana.NewWallet().PublicKey(), ProgramID)
	require.ErrorIs(t, expectDerived(imposter, derived, nil), ErrAccountMismatch)
}
