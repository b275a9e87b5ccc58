package auction

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Processor applies one instruction at a time against the accounts that
// instruction names. The host runtime serializes instructions per account, so
// no locking happens here; correctness rests entirely on the guards below.
type Processor struct {
	programID solana.PublicKey
	vault     VaultCaller
}

func NewProcessor(programID solana.PublicKey, vault VaultCaller) *Processor {
	return &Processor{programID: programID, vault: vault}
}

func (p *Processor) ProgramID() solana.PublicKey {
	return p.programID
}

// Process decodes and applies a single instruction. now is the host-supplied
// current unix time; the processor never reads a clock itself. Either the
// whole transition applies or every supplied account is left byte-for-byte
// unchanged.
func (p *Processor) Process(data []byte, accounts []*Account, now int64) error {
	snapshots := snapshotAccounts(accounts)
	if err := p.process(data, accounts, now); err != nil {
		restoreAccounts(accounts, snapshots)
		return err
	}
	return nil
}

func (p *Processor) process(data []byte, accounts []*Account, now int64) error {
	decoder := bin.NewBinDecoder(data)
	discriminant, err := decoder.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: missing discriminant", ErrMalformedInstruction)
	}

	switch discriminant {
	case InstrCreateAuction:
		var args CreateAuctionArgs
		if err := args.UnmarshalWithDecoder(decoder); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedInstruction, err)
		}
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.createAuction(args, accounts, now)

	case InstrStartAuction:
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.startAuction(accounts, now)

	case InstrPlaceBid:
		var args PlaceBidArgs
		if err := args.UnmarshalWithDecoder(decoder); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedInstruction, err)
		}
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.placeBid(args, accounts, now)

	case InstrCancelBid:
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.releaseBidderEscrow(accounts, releaseModeCancel)

	case InstrCancelAuction:
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.cancelAuction(accounts)

	case InstrEndAuction:
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.endAuction(accounts, now)

	case InstrClaimBid:
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.releaseBidderEscrow(accounts, releaseModeClaim)

	case InstrClaimAuction:
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.claimAuction(accounts)

	case InstrSetAuthority:
		var args SetAuthorityArgs
		if err := args.UnmarshalWithDecoder(decoder); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedInstruction, err)
		}
		if err := expectDrained(decoder); err != nil {
			return err
		}
		return p.setAuthority(args, accounts)

	default:
		return fmt.Errorf("%w: unknown discriminant %d", ErrMalformedInstruction, discriminant)
	}
}

func expectDrained(decoder *bin.Decoder) error {
	if decoder.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedInstruction, decoder.Remaining())
	}
	return nil
}

func expectAccountCount(accounts []*Account, want int) error {
	if len(accounts) != want {
		return fmt.Errorf("%w: got %d accounts, want %d", ErrMalformedInstruction, len(accounts), want)
	}
	return nil
}

func expectSigner(account *Account) error {
	if !account.Signer {
		return fmt.Errorf("%w: %s did not sign", ErrUnauthorized, account.Key)
	}
	return nil
}

// Account layout: [seller (signer), auction PDA, extended PDA].
func (p *Processor) createAuction(args CreateAuctionArgs, accounts []*Account, now int64) error {
	if err := expectAccountCount(accounts, 3); err != nil {
		return err
	}
	seller, auctionAcc, extendedAcc := accounts[0], accounts[1], accounts[2]

	if err := expectSigner(seller); err != nil {
		return err
	}
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, args.Resource); err != nil {
		return err
	}
	if err := expectDerived2(extendedAcc, DeriveExtendedPDA, p.programID, args.Resource); err != nil {
		return err
	}
	if auctionAcc.IsInitialized() || extendedAcc.IsInitialized() {
		return ErrAlreadyInitialized
	}
	if args.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrMalformedInstruction)
	}
	if args.GapWindow < 0 || args.ExtensionPeriod < 0 {
		return fmt.Errorf("%w: negative anti-snipe parameters", ErrMalformedInstruction)
	}

	record := AuctionRecord{
		Config: AuctionConfig{
			Seller:          seller.Key,
			Resource:        args.Resource,
			Kind:            args.Kind,
			StartingPrice:   args.StartingPrice,
			MinBidIncrement: args.MinBidIncrement,
			Duration:        args.Duration,
			GapWindow:       args.GapWindow,
			ExtensionPeriod: args.ExtensionPeriod,
		},
		State: AuctionState{
			Status: StatusCreated,
			// Provisional close time; StartAuction re-anchors it.
			EndAt: now + args.Duration,
		},
	}
	extended := ExtendedRecord{Resource: args.Resource}

	return writeRecords(
		write{auctionAcc, record.MarshalBinary},
		write{extendedAcc, extended.MarshalBinary},
	)
}

// Account layout: [seller (signer), auction PDA].
func (p *Processor) startAuction(accounts []*Account, now int64) error {
	if err := expectAccountCount(accounts, 2); err != nil {
		return err
	}
	seller, auctionAcc := accounts[0], accounts[1]

	if err := expectSigner(seller); err != nil {
		return err
	}
	record, err := p.loadAuction(auctionAcc)
	if err != nil {
		return err
	}
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, record.Config.Resource); err != nil {
		return err
	}
	if !record.Config.Seller.Equals(seller.Key) {
		return ErrUnauthorized
	}
	if record.State.Status != StatusCreated {
		return ErrInvalidState
	}

	record.State.Status = StatusStarted
	record.State.EndAt = now + record.Config.Duration

	return writeRecords(write{auctionAcc, record.MarshalBinary})
}

// Account layout: [bidder (signer, funding source), escrow PDA, bidder meta
// PDA, auction PDA, extended PDA].
func (p *Processor) placeBid(args PlaceBidArgs, accounts []*Account, now int64) error {
	if err := expectAccountCount(accounts, 5); err != nil {
		return err
	}
	bidder, escrowAcc, metaAcc, auctionAcc, extendedAcc := accounts[0], accounts[1], accounts[2], accounts[3], accounts[4]

	if err := expectSigner(bidder); err != nil {
		return err
	}
	record, err := p.loadAuction(auctionAcc)
	if err != nil {
		return err
	}
	auctionID := record.Config.Resource
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, auctionID); err != nil {
		return err
	}
	if err := expectDerived2(extendedAcc, DeriveExtendedPDA, p.programID, auctionID); err != nil {
		return err
	}
	if err := expectDerived3(escrowAcc, DeriveEscrowPDA, p.programID, auctionID, bidder.Key); err != nil {
		return err
	}
	if err := expectDerived3(metaAcc, DeriveBidderMetaPDA, p.programID, auctionID, bidder.Key); err != nil {
		return err
	}
	extended, err := p.loadExtended(extendedAcc, auctionID)
	if err != nil {
		return err
	}

	switch record.State.Status {
	case StatusStarted:
	case StatusCreated, StatusEnded, StatusClaimed, StatusCancelled:
		return ErrAuctionNotActive
	default:
		return ErrInvalidState
	}
	if now >= record.State.EndAt {
		return ErrAuctionExpired
	}

	// Strict monotonic bidding; equal amounts are rejected so no amount tie
	// can ever exist.
	minimum := record.Config.StartingPrice
	if record.State.BidCount > 0 {
		minimum = record.State.HighestBid + record.Config.MinBidIncrement
		if minimum <= record.State.HighestBid {
			minimum = record.State.HighestBid + 1
		}
	}
	if args.Amount < minimum {
		return fmt.Errorf("%w: amount %d, minimum %d", ErrBidTooLow, args.Amount, minimum)
	}

	// Lazily create the per-bidder record on first bid.
	meta := &BidderMetaRecord{Bidder: bidder.Key}
	freshMeta := !metaAcc.IsInitialized()
	if !freshMeta {
		if meta, err = ParseBidderMetaRecord(metaAcc.Data); err != nil {
			return fmt.Errorf("decode bidder meta %s: %w", metaAcc.Key, err)
		}
	}

	// The escrow balance is whatever this bidder still has parked from earlier
	// bids; only the difference moves.
	if escrowAcc.Lamports >= args.Amount {
		return fmt.Errorf("%w: escrow balance %d already covers bid %d", ErrEscrowImbalance, escrowAcc.Lamports, args.Amount)
	}
	required := args.Amount - escrowAcc.Lamports
	if err := moveLamports(bidder, escrowAcc, required); err != nil {
		return err
	}

	if freshMeta || meta.Cancelled {
		extended.UncancelledBids++
	}
	extended.TotalEscrowed += required

	meta.LastBid = args.Amount
	meta.LastBidAt = now
	meta.Cancelled = false

	record.State.HighestBid = args.Amount
	winner := bidder.Key
	record.State.HighestBidder = &winner
	record.State.BidCount++
	record.State.History = append(record.State.History, BidEntry{
		Bidder:    bidder.Key,
		Amount:    args.Amount,
		Timestamp: now,
	})

	// Anti-snipe: a bid inside the gap window pushes the close out, never in.
	if record.Config.GapWindow > 0 && record.State.EndAt-now <= record.Config.GapWindow {
		extendedEnd := now + record.Config.ExtensionPeriod
		if extendedEnd > record.State.EndAt {
			record.State.EndAt = extendedEnd
		}
	}

	if escrowAcc.Lamports != meta.LastBid {
		return fmt.Errorf("%w: escrow %d, last bid %d", ErrEscrowImbalance, escrowAcc.Lamports, meta.LastBid)
	}

	return writeRecords(
		write{auctionAcc, record.MarshalBinary},
		write{extendedAcc, extended.MarshalBinary},
		write{metaAcc, meta.MarshalBinary},
	)
}

type releaseMode int

const (
	releaseModeCancel releaseMode = iota
	releaseModeClaim
)

// CancelBid and ClaimBid share one account layout and one release path:
// [bidder (signer), escrow PDA, bidder meta PDA, auction PDA, extended PDA].
// CancelBid runs while bidding is open; ClaimBid withdraws after the auction
// has concluded. Neither may touch the leading escrow.
func (p *Processor) releaseBidderEscrow(accounts []*Account, mode releaseMode) error {
	if err := expectAccountCount(accounts, 5); err != nil {
		return err
	}
	bidder, escrowAcc, metaAcc, auctionAcc, extendedAcc := accounts[0], accounts[1], accounts[2], accounts[3], accounts[4]

	if err := expectSigner(bidder); err != nil {
		return err
	}
	record, err := p.loadAuction(auctionAcc)
	if err != nil {
		return err
	}
	auctionID := record.Config.Resource
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, auctionID); err != nil {
		return err
	}
	if err := expectDerived2(extendedAcc, DeriveExtendedPDA, p.programID, auctionID); err != nil {
		return err
	}
	if err := expectDerived3(escrowAcc, DeriveEscrowPDA, p.programID, auctionID, bidder.Key); err != nil {
		return err
	}
	if err := expectDerived3(metaAcc, DeriveBidderMetaPDA, p.programID, auctionID, bidder.Key); err != nil {
		return err
	}
	extended, err := p.loadExtended(extendedAcc, auctionID)
	if err != nil {
		return err
	}

	if mode == releaseModeClaim {
		switch record.State.Status {
		case StatusEnded, StatusClaimed, StatusCancelled:
		default:
			return ErrAuctionStillActive
		}
	}

	// The leading escrow is spoken for until settlement empties it.
	leader := record.State.HighestBidder != nil && record.State.HighestBidder.Equals(bidder.Key)
	if leader && record.State.Status != StatusClaimed && record.State.Status != StatusCancelled {
		return ErrCannotCancelLeadingBid
	}

	if !metaAcc.IsInitialized() {
		return ErrUninitialized
	}
	meta, err := ParseBidderMetaRecord(metaAcc.Data)
	if err != nil {
		return fmt.Errorf("decode bidder meta %s: %w", metaAcc.Key, err)
	}

	// Releasing an already-empty escrow is a no-op so retried withdrawals
	// after partial transaction failures stay safe.
	balance := escrowAcc.Lamports
	if balance > 0 {
		if err := moveLamports(escrowAcc, bidder, balance); err != nil {
			return err
		}
		extended.TotalReleased += balance
	}
	if !meta.Cancelled {
		if extended.UncancelledBids == 0 {
			return fmt.Errorf("%w: uncancelled bid count underflow", ErrEscrowImbalance)
		}
		extended.UncancelledBids--
	}
	meta.Cancelled = true

	if mode == releaseModeClaim {
		// Full withdrawal after conclusion closes the record.
		metaAcc.Data = nil
		return writeRecords(write{extendedAcc, extended.MarshalBinary})
	}

	return writeRecords(
		write{extendedAcc, extended.MarshalBinary},
		write{metaAcc, meta.MarshalBinary},
	)
}

// Account layout: [seller (signer), auction PDA].
func (p *Processor) cancelAuction(accounts []*Account) error {
	if err := expectAccountCount(accounts, 2); err != nil {
		return err
	}
	seller, auctionAcc := accounts[0], accounts[1]

	if err := expectSigner(seller); err != nil {
		return err
	}
	record, err := p.loadAuction(auctionAcc)
	if err != nil {
		return err
	}
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, record.Config.Resource); err != nil {
		return err
	}
	if !record.Config.Seller.Equals(seller.Key) {
		return ErrUnauthorized
	}
	switch record.State.Status {
	case StatusCreated, StatusStarted:
	default:
		return ErrInvalidState
	}
	if record.State.BidCount > 0 {
		return ErrBidsAlreadyPlaced
	}

	record.State.Status = StatusCancelled
	return writeRecords(write{auctionAcc, record.MarshalBinary})
}

// Account layout: [auction PDA]. Anyone may crank the latch once the close
// time has passed; there is no fund movement here.
func (p *Processor) endAuction(accounts []*Account, now int64) error {
	if err := expectAccountCount(accounts, 1); err != nil {
		return err
	}
	auctionAcc := accounts[0]

	record, err := p.loadAuction(auctionAcc)
	if err != nil {
		return err
	}
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, record.Config.Resource); err != nil {
		return err
	}
	if record.State.Status != StatusStarted {
		return ErrInvalidState
	}
	if now < record.State.EndAt {
		return ErrAuctionStillActive
	}

	record.State.Status = StatusEnded
	return writeRecords(write{auctionAcc, record.MarshalBinary})
}

// Account layout: [claimant (signer), auction PDA, extended PDA, winner
// escrow PDA, proceeds destination, asset destination].
func (p *Processor) claimAuction(accounts []*Account) error {
	if err := expectAccountCount(accounts, 6); err != nil {
		return err
	}
	claimant, auctionAcc, extendedAcc, escrowAcc, proceedsAcc, assetAcc := accounts[0], accounts[1], accounts[2], accounts[3], accounts[4], accounts[5]

	if err := expectSigner(claimant); err != nil {
		return err
	}
	record, err := p.loadAuction(auctionAcc)
	if err != nil {
		return err
	}
	auctionID := record.Config.Resource
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, auctionID); err != nil {
		return err
	}
	if err := expectDerived2(extendedAcc, DeriveExtendedPDA, p.programID, auctionID); err != nil {
		return err
	}

	switch record.State.Status {
	case StatusEnded:
	case StatusClaimed:
		return ErrAlreadyClaimed
	default:
		return ErrInvalidState
	}

	winner := record.State.HighestBidder
	isSeller := record.Config.Seller.Equals(claimant.Key)
	isWinner := winner != nil && winner.Equals(claimant.Key)
	if !isSeller && !isWinner {
		return ErrUnauthorized
	}

	if winner == nil {
		// No bids: the asset goes back to the seller and no funds move.
		record.State.Status = StatusClaimed
		receipt, err := p.vault.LockAsset(record.Config.Resource, auctionAcc.Key)
		if err != nil {
			return fmt.Errorf("lock asset: %w", err)
		}
		if err := p.vault.TransferOut(receipt, assetAcc.Key); err != nil {
			return fmt.Errorf("return asset to seller: %w", err)
		}
		return writeRecords(write{auctionAcc, record.MarshalBinary})
	}

	if err := expectDerived3(escrowAcc, DeriveEscrowPDA, p.programID, auctionID, *winner); err != nil {
		return err
	}
	extended, err := p.loadExtended(extendedAcc, auctionID)
	if err != nil {
		return err
	}
	if escrowAcc.Lamports != record.State.HighestBid {
		return fmt.Errorf("%w: winning escrow %d, highest bid %d", ErrEscrowImbalance, escrowAcc.Lamports, record.State.HighestBid)
	}

	proceeds := escrowAcc.Lamports
	if err := moveLamports(escrowAcc, proceedsAcc, proceeds); err != nil {
		return err
	}
	// UncancelledBids stays untouched here; the winner's meta record is still
	// open and gets retired by their own ClaimBid.
	extended.TotalReleased += proceeds
	record.State.Status = StatusClaimed

	// The vault sub-call is part of this atomic step: if it fails, the whole
	// claim fails and the escrow move above is rolled back by the caller.
	receipt, err := p.vault.LockAsset(record.Config.Resource, auctionAcc.Key)
	if err != nil {
		return fmt.Errorf("lock asset: %w", err)
	}
	if err := p.vault.TransferOut(receipt, assetAcc.Key); err != nil {
		return fmt.Errorf("transfer asset to winner: %w", err)
	}

	return writeRecords(
		write{auctionAcc, record.MarshalBinary},
		write{extendedAcc, extended.MarshalBinary},
	)
}

// Account layout: [seller (signer), auction PDA].
func (p *Processor) setAuthority(args SetAuthorityArgs, accounts []*Account) error {
	if err := expectAccountCount(accounts, 2); err != nil {
		return err
	}
	seller, auctionAcc := accounts[0], accounts[1]

	if err := expectSigner(seller); err != nil {
		return err
	}
	record, err := p.loadAuction(auctionAcc)
	if err != nil {
		return err
	}
	if err := expectDerived2(auctionAcc, DeriveAuctionPDA, p.programID, record.Config.Resource); err != nil {
		return err
	}
	if !record.Config.Seller.Equals(seller.Key) {
		return ErrUnauthorized
	}
	switch record.State.Status {
	case StatusCreated, StatusStarted:
	default:
		return ErrInvalidState
	}

	record.Config.Seller = args.NewAuthority
	return writeRecords(write{auctionAcc, record.MarshalBinary})
}

func (p *Processor) loadAuction(account *Account) (*AuctionRecord, error) {
	if !account.IsInitialized() {
		return nil, ErrUninitialized
	}
	record, err := ParseAuctionRecord(account.Data)
	if err != nil {
		return nil, fmt.Errorf("decode auction %s: %w", account.Key, err)
	}
	return record, nil
}

func (p *Processor) loadExtended(account *Account, auctionID solana.PublicKey) (*ExtendedRecord, error) {
	if !account.IsInitialized() {
		return nil, ErrUninitialized
	}
	record, err := ParseExtendedRecord(account.Data)
	if err != nil {
		return nil, fmt.Errorf("decode extended record %s: %w", account.Key, err)
	}
	if !record.Resource.Equals(auctionID) {
		return nil, fmt.Errorf("%w: extended record belongs to %s", ErrAccountMismatch, record.Resource)
	}
	return record, nil
}

type write struct {
	account *Account
	marshal func() ([]byte, error)
}

func writeRecords(writes ...write) error {
	// Serialize everything before touching any account so a codec failure
	// cannot leave a half-written set.
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		data, err := w.marshal()
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", w.account.Key, err)
		}
		encoded[i] = data
	}
	for i, w := range writes {
		w.account.Data = encoded[i]
	}
	return nil
}

func expectDerived2(
	account *Account,
	fn func(solana.PublicKey, solana.PublicKey) (solana.PublicKey, uint8, error),
	programID solana.PublicKey,
	auctionID solana.PublicKey,
) error {
	key, _, err := fn(programID, auctionID)
	return expectDerived(account, key, err)
}

func expectDerived3(
	account *Account,
	fn func(solana.PublicKey, solana.PublicKey, solana.PublicKey) (solana.PublicKey, uint8, error),
	programID solana.PublicKey,
	auctionID solana.PublicKey,
	bidder solana.PublicKey,
) error {
	key, _, err := fn(programID, auctionID, bidder)
	return expectDerived(account, key, err)
}
