package auction

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction discriminants. The wire format is one leading u8 followed by a
// fixed-layout argument block per variant; no self-describing fields.
const (
	InstrCreateAuction uint8 = iota
	InstrStartAuction
	InstrPlaceBid
	InstrCancelBid
	InstrCancelAuction
	InstrEndAuction
	InstrClaimBid
	InstrClaimAuction
	InstrSetAuthority
)

type CreateAuctionArgs struct {
	Resource        solana.PublicKey
	Kind            AuctionKind
	StartingPrice   uint64
	MinBidIncrement uint64
	Duration        int64
	GapWindow       int64
	ExtensionPeriod int64
}

type PlaceBidArgs struct {
	Amount uint64
}

type SetAuthorityArgs struct {
	NewAuthority solana.PublicKey
}

func (a *CreateAuctionArgs) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	if a.Resource, err = readPublicKey(decoder); err != nil {
		return err
	}
	kind, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	if kind > uint8(KindSealedBid) {
		return fmt.Errorf("unknown auction kind %d", kind)
	}
	a.Kind = AuctionKind(kind)
	if a.StartingPrice, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if a.MinBidIncrement, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if a.Duration, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	if a.GapWindow, err = decoder.ReadInt64(bin.LE); err != nil {
		return err
	}
	a.ExtensionPeriod, err = decoder.ReadInt64(bin.LE)
	return err
}

func (a *CreateAuctionArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteUint8(InstrCreateAuction); err != nil {
		return err
	}
	if err := encoder.WriteBytes(a.Resource[:], false); err != nil {
		return err
	}
	if err := encoder.WriteUint8(uint8(a.Kind)); err != nil {
		return err
	}
	if err := encoder.WriteUint64(a.StartingPrice, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteUint64(a.MinBidIncrement, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteInt64(a.Duration, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteInt64(a.GapWindow, bin.LE); err != nil {
		return err
	}
	return encoder.WriteInt64(a.ExtensionPeriod, bin.LE)
}

func (a *PlaceBidArgs) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	a.Amount, err = decoder.ReadUint64(bin.LE)
	return err
}

func (a *PlaceBidArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteUint8(InstrPlaceBid); err != nil {
		return err
	}
	return encoder.WriteUint64(a.Amount, bin.LE)
}

func (a *SetAuthorityArgs) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	a.NewAuthority, err = readPublicKey(decoder)
	return err
}

func (a *SetAuthorityArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteUint8(InstrSetAuthority); err != nil {
		return err
	}
	return encoder.WriteBytes(a.NewAuthority[:], false)
}

func encodeArgs(marshal func(*bin.Encoder) error) []byte {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)
	if err := marshal(encoder); err != nil {
		panic("instruction encoding shouldn't fail")
	}
	return buf.Bytes()
}

func encodeDiscriminant(discriminant uint8) []byte {
	return []byte{discriminant}
}

// Client-side builders. Each derives the PDAs it references so callers only
// name the logical entities, mirroring the account schemas the processor
// enforces.

func NewCreateAuctionInstruction(programID solana.PublicKey, seller solana.PublicKey, args CreateAuctionArgs) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, args.Resource)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}
	extendedKey, _, err := DeriveExtendedPDA(programID, args.Resource)
	if err != nil {
		return nil, fmt.Errorf("derive extended PDA: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(seller, false, true),
		solana.NewAccountMeta(auctionKey, true, false),
		solana.NewAccountMeta(extendedKey, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeArgs(args.MarshalWithEncoder)), nil
}

func NewStartAuctionInstruction(programID solana.PublicKey, seller solana.PublicKey, auctionID solana.PublicKey) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(seller, false, true),
		solana.NewAccountMeta(auctionKey, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeDiscriminant(InstrStartAuction)), nil
}

func NewPlaceBidInstruction(programID solana.PublicKey, bidder solana.PublicKey, auctionID solana.PublicKey, amount uint64) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}
	extendedKey, _, err := DeriveExtendedPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive extended PDA: %w", err)
	}
	escrowKey, _, err := DeriveEscrowPDA(programID, auctionID, bidder)
	if err != nil {
		return nil, fmt.Errorf("derive escrow PDA: %w", err)
	}
	metaKey, _, err := DeriveBidderMetaPDA(programID, auctionID, bidder)
	if err != nil {
		return nil, fmt.Errorf("derive bidder meta PDA: %w", err)
	}

	args := PlaceBidArgs{Amount: amount}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(bidder, true, true),
		solana.NewAccountMeta(escrowKey, true, false),
		solana.NewAccountMeta(metaKey, true, false),
		solana.NewAccountMeta(auctionKey, true, false),
		solana.NewAccountMeta(extendedKey, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeArgs(args.MarshalWithEncoder)), nil
}

func NewCancelBidInstruction(programID solana.PublicKey, bidder solana.PublicKey, auctionID solana.PublicKey) (solana.Instruction, error) {
	return newBidderReleaseInstruction(programID, bidder, auctionID, InstrCancelBid)
}

func NewClaimBidInstruction(programID solana.PublicKey, bidder solana.PublicKey, auctionID solana.PublicKey) (solana.Instruction, error) {
	return newBidderReleaseInstruction(programID, bidder, auctionID, InstrClaimBid)
}

func newBidderReleaseInstruction(programID solana.PublicKey, bidder solana.PublicKey, auctionID solana.PublicKey, discriminant uint8) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}
	extendedKey, _, err := DeriveExtendedPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive extended PDA: %w", err)
	}
	escrowKey, _, err := DeriveEscrowPDA(programID, auctionID, bidder)
	if err != nil {
		return nil, fmt.Errorf("derive escrow PDA: %w", err)
	}
	metaKey, _, err := DeriveBidderMetaPDA(programID, auctionID, bidder)
	if err != nil {
		return nil, fmt.Errorf("derive bidder meta PDA: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(bidder, true, true),
		solana.NewAccountMeta(escrowKey, true, false),
		solana.NewAccountMeta(metaKey, true, false),
		solana.NewAccountMeta(auctionKey, true, false),
		solana.NewAccountMeta(extendedKey, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeDiscriminant(discriminant)), nil
}

func NewCancelAuctionInstruction(programID solana.PublicKey, seller solana.PublicKey, auctionID solana.PublicKey) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(seller, false, true),
		solana.NewAccountMeta(auctionKey, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeDiscriminant(InstrCancelAuction)), nil
}

func NewEndAuctionInstruction(programID solana.PublicKey, auctionID solana.PublicKey) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(auctionKey, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeDiscriminant(InstrEndAuction)), nil
}

func NewClaimAuctionInstruction(
	programID solana.PublicKey,
	claimant solana.PublicKey,
	auctionID solana.PublicKey,
	winner solana.PublicKey,
	proceedsDestination solana.PublicKey,
	assetDestination solana.PublicKey,
) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}
	extendedKey, _, err := DeriveExtendedPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive extended PDA: %w", err)
	}
	escrowKey, _, err := DeriveEscrowPDA(programID, auctionID, winner)
	if err != nil {
		return nil, fmt.Errorf("derive escrow PDA: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(claimant, false, true),
		solana.NewAccountMeta(auctionKey, true, false),
		solana.NewAccountMeta(extendedKey, true, false),
		solana.NewAccountMeta(escrowKey, true, false),
		solana.NewAccountMeta(proceedsDestination, true, false),
		solana.NewAccountMeta(assetDestination, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeDiscriminant(InstrClaimAuction)), nil
}

func NewSetAuthorityInstruction(programID solana.PublicKey, seller solana.PublicKey, auctionID solana.PublicKey, newAuthority solana.PublicKey) (solana.Instruction, error) {
	auctionKey, _, err := DeriveAuctionPDA(programID, auctionID)
	if err != nil {
		return nil, fmt.Errorf("derive auction PDA: %w", err)
	}

	args := SetAuthorityArgs{NewAuthority: newAuthority}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(seller, false, true),
		solana.NewAccountMeta(auctionKey, true, false),
	}
	return solana.NewInstruction(programID, accounts, encodeArgs(args.MarshalWithEncoder)), nil
}
