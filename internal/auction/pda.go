package auction

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Role seeds used in PDA derivation. Every account the processor is handed is
// re-derived from these and compared against the supplied address; the
// runtime itself gives no guarantee that a supplied account is the one a
// logical entity lives at.
const (
	SeedAuction    = "auction"
	SeedExtended   = "extended"
	SeedBidderMeta = "bidder_meta"
	SeedEscrow     = "escrow"
)

func DeriveAuctionPDA(programID solana.PublicKey, auctionID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedAuction), auctionID.Bytes()}, programID)
}

func DeriveExtendedPDA(programID solana.PublicKey, auctionID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedExtended), auctionID.Bytes()}, programID)
}

func DeriveBidderMetaPDA(programID solana.PublicKey, auctionID solana.PublicKey, bidder solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedBidderMeta), auctionID.Bytes(), bidder.Bytes()}, programID)
}

func DeriveEscrowPDA(programID solana.PublicKey, auctionID solana.PublicKey, bidder solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedEscrow), auctionID.Bytes(), bidder.Bytes()}, programID)
}

func MustDeriveAuctionPDA(programID solana.PublicKey, auctionID solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		panic(fmt.Errorf("derive auction PDA: %w", err))
	}
	return pk
}

// expectDerived re-derives an address and fails when the supplied account does
// not live at it. This runs before any state is read for mutation.
func expectDerived(account *Account, derived solana.PublicKey, err error) error {
	if err != nil {
		return fmt.Errorf("derive address: %w", err)
	}
	if !account.Key.Equals(derived) {
		return fmt.Errorf("%w: got %s, want %s", ErrAccountMismatch, account.Key, derived)
	}
	return nil
}
