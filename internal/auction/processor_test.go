package auction

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

const (
	testCreatedAt = int64(1_700_000_000)
	testStartedAt = testCreatedAt + 60
)

type processorFixture struct {
	t         *testing.T
	ledger    *Ledger
	vault     *MemoryVault
	processor *Processor
	seller    solana.PublicKey
	resource  solana.PublicKey
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	vault := NewMemoryVault()
	return &processorFixture{
		t:         t,
		ledger:    NewLedger(),
		vault:     vault,
		processor: NewProcessor(ProgramID, vault),
		seller:    solana.NewWallet().PublicKey(),
		resource:  solana.NewWallet().PublicKey(),
	}
}

func defaultCreateArgs(resource solana.PublicKey) CreateAuctionArgs {
	return CreateAuctionArgs{
		Resource:        resource,
		Kind:            KindEnglish,
		StartingPrice:   100,
		MinBidIncrement: 10,
		Duration:        3600,
		GapWindow:       60,
		ExtensionPeriod: 120,
	}
}

// exec builds the instruction checks in one place so test bodies read as a
// sequence of operations.
func (f *processorFixture) exec(instruction solana.Instruction, buildErr error, now int64) error {
	f.t.Helper()
	require.NoError(f.t, buildErr)
	return f.ledger.Execute(f.processor, instruction, now)
}

func (f *processorFixture) create(args CreateAuctionArgs, now int64) error {
	instruction, err := NewCreateAuctionInstruction(ProgramID, f.seller, args)
	return f.exec(instruction, err, now)
}

func (f *processorFixture) start(seller solana.PublicKey, now int64) error {
	instruction, err := NewStartAuctionInstruction(ProgramID, seller, f.resource)
	return f.exec(instruction, err, now)
}

func (f *processorFixture) bid(bidder solana.PublicKey, amount uint64, now int64) error {
	instruction, err := NewPlaceBidInstruction(ProgramID, bidder, f.resource, amount)
	return f.exec(instruction, err, now)
}

func (f *processorFixture) cancelBid(bidder solana.PublicKey, now int64) error {
	instruction, err := NewCancelBidInstruction(ProgramID, bidder, f.resource)
	return f.exec(instruction, err, now)
}

func (f *processorFixture) claimBid(bidder solana.PublicKey, now int64) error {
	instruction, err := NewClaimBidInstruction(ProgramID, bidder, f.resource)
	return f.exec(instruction, err, now)
}

func (f *processorFixture) end(now int64) error {
	instruction, err := NewEndAuctionInstruction(ProgramID, f.resource)
	return f.exec(instruction, err, now)
}

func (f *processorFixture) claim(claimant, winner, proceedsDest, assetDest solana.PublicKey, now int64) error {
	instruction, err := NewClaimAuctionInstruction(ProgramID, claimant, f.resource, winner, proceedsDest, assetDest)
	return f.exec(instruction, err, now)
}

// createStarted runs the create/start preamble most tests need.
func (f *processorFixture) createStarted() {
	f.t.Helper()
	require.NoError(f.t, f.create(defaultCreateArgs(f.resource), testCreatedAt))
	require.NoError(f.t, f.start(f.seller, testStartedAt))
}

func (f *processorFixture) fundedBidder(lamports uint64) solana.PublicKey {
	bidder := solana.NewWallet().PublicKey()
	f.ledger.Fund(bidder, lamports)
	return bidder
}

func (f *processorFixture) auction() *AuctionRecord {
	f.t.Helper()
	account := f.ledger.Account(MustDeriveAuctionPDA(ProgramID, f.resource))
	record, err := ParseAuctionRecord(account.Data)
	require.NoError(f.t, err)
	return record
}

func (f *processorFixture) extended() *ExtendedRecord {
	f.t.Helper()
	key, _, err := DeriveExtendedPDA(ProgramID, f.resource)
	require.NoError(f.t, err)
	record, err := ParseExtendedRecord(f.ledger.Account(key).Data)
	require.NoError(f.t, err)
	return record
}

func (f *processorFixture) escrow(bidder solana.PublicKey) *Account {
	f.t.Helper()
	key, _, err := DeriveEscrowPDA(ProgramID, f.resource, bidder)
	require.NoError(f.t, err)
	return f.ledger.Account(key)
}

// requireConserved checks that the lamports parked across the given bidders'
// escrows match the running totals in the extended record.
func (f *processorFixture) requireConserved(bidders ...solana.PublicKey) {
	f.t.Helper()
	escrows := make([]*Account, len(bidders))
	for i, bidder := range bidders {
		escrows[i] = f.escrow(bidder)
	}
	require.NoError(f.t, VerifyEscrowConservation(f.extended(), escrows))
}

func TestAuctionLifecycleSettlement(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(1_000)
	bob := f.fundedBidder(1_000)
	proceedsDest := solana.NewWallet().PublicKey()
	assetDest := solana.NewWallet().PublicKey()
	totalBefore := f.ledger.TotalLamports()

	f.createStarted()
	record := f.auction()
	require.Equal(t, StatusStarted, record.State.Status)
	require.Equal(t, testStartedAt+3600, record.State.EndAt)

	require.NoError(t, f.bid(alice, 100, testStartedAt+10))
	require.NoError(t, f.bid(bob, 120, testStartedAt+20))
	require.NoError(t, f.bid(alice, 150, testStartedAt+30))
	f.requireConserved(alice, bob)

	record = f.auction()
	require.Equal(t, uint64(150), record.State.HighestBid)
	require.NotNil(t, record.State.HighestBidder)
	require.Equal(t, alice, *record.State.HighestBidder)
	require.Equal(t, uint64(3), record.State.BidCount)
	require.Len(t, record.State.History, 3)

	// Alice only topped up the difference on her second bid.
	require.Equal(t, uint64(150), f.escrow(alice).Lamports)
	require.Equal(t, uint64(120), f.escrow(bob).Lamports)
	require.Equal(t, uint64(850), f.ledger.Account(alice).Lamports)

	closeAt := record.State.EndAt
	require.NoError(t, f.end(closeAt))
	require.Equal(t, StatusEnded, f.auction().State.Status)

	require.NoError(t, f.claim(f.seller, alice, proceedsDest, assetDest, closeAt+1))
	require.Equal(t, StatusClaimed, f.auction().State.Status)
	require.Equal(t, uint64(150), f.ledger.Account(proceedsDest).Lamports)
	require.Equal(t, uint64(0), f.escrow(alice).Lamports)
	holder, ok := f.vault.Holder(f.resource)
	require.True(t, ok)
	require.Equal(t, assetDest, holder)

	// The losing bidder withdraws, the winner's empty escrow claim is a no-op.
	require.NoError(t, f.claimBid(bob, closeAt+2))
	require.Equal(t, uint64(1_000), f.ledger.Account(bob).Lamports)
	require.NoError(t, f.claimBid(alice, closeAt+3))

	f.requireConserved(alice, bob)
	require.Equal(t, uint64(0), f.extended().UncancelledBids)
	require.Equal(t, totalBefore, f.ledger.TotalLamports())
}

func TestPlaceBidMinimums(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(10_000)
	bob := f.fundedBidder(10_000)
	f.createStarted()
	now := testStartedAt + 1

	require.ErrorIs(t, f.bid(alice, 99, now), ErrBidTooLow)
	require.NoError(t, f.bid(alice, 100, now))

	// Matching or undercutting the current leader is never enough.
	require.ErrorIs(t, f.bid(bob, 100, now+1), ErrBidTooLow)
	require.ErrorIs(t, f.bid(bob, 109, now+1), ErrBidTooLow)
	require.NoError(t, f.bid(bob, 110, now+1))

	record := f.auction()
	require.Equal(t, uint64(110), record.State.HighestBid)
	require.Equal(t, bob, *record.State.HighestBidder)
	f.requireConserved(alice, bob)
}

func TestPlaceBidAntiSnipe(t *testing.T) {
	cases := []struct {
		name            string
		gapWindow       int64
		extensionPeriod int64
		bidOffset       int64 // relative to the close time
		wantEndShift    int64
	}{
		{"outside gap window", 60, 120, -120, 0},
		{"inside gap extends", 60, 120, -30, 90},
		{"extension never shortens", 60, 20, -30, 0},
		{"disabled gap", 0, 120, -1, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newProcessorFixture(t)
			bidder := f.fundedBidder(1_000)
			args := defaultCreateArgs(f.resource)
			args.GapWindow = tc.gapWindow
			args.ExtensionPeriod = tc.extensionPeriod
			require.NoError(t, f.create(args, testCreatedAt))
			require.NoError(t, f.start(f.seller, testStartedAt))

			closeAt := f.auction().State.EndAt
			require.NoError(t, f.bid(bidder, 100, closeAt+tc.bidOffset))
			require.Equal(t, closeAt+tc.wantEndShift, f.auction().State.EndAt)
		})
	}
}

func TestPlaceBidStateGuards(t *testing.T) {
	f := newProcessorFixture(t)
	bidder := f.fundedBidder(1_000)
	require.NoError(t, f.create(defaultCreateArgs(f.resource), testCreatedAt))

	require.ErrorIs(t, f.bid(bidder, 100, testCreatedAt+1), ErrAuctionNotActive)

	require.NoError(t, f.start(f.seller, testStartedAt))
	closeAt := f.auction().State.EndAt
	require.ErrorIs(t, f.bid(bidder, 100, closeAt), ErrAuctionExpired)

	require.NoError(t, f.end(closeAt))
	require.ErrorIs(t, f.bid(bidder, 100, closeAt+1), ErrAuctionNotActive)
}

func TestPlaceBidInsufficientFundsRollsBack(t *testing.T) {
	f := newProcessorFixture(t)
	bidder := f.fundedBidder(50)
	f.createStarted()

	require.ErrorIs(t, f.bid(bidder, 100, testStartedAt+1), ErrInsufficientFunds)

	require.Equal(t, uint64(50), f.ledger.Account(bidder).Lamports)
	require.Equal(t, uint64(0), f.escrow(bidder).Lamports)
	record := f.auction()
	require.Equal(t, uint64(0), record.State.BidCount)
	require.Nil(t, record.State.HighestBidder)
	metaKey, _, err := DeriveBidderMetaPDA(ProgramID, f.resource, bidder)
	require.NoError(t, err)
	require.False(t, f.ledger.Account(metaKey).IsInitialized())
}

func TestCancelBid(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(1_000)
	bob := f.fundedBidder(1_000)
	f.createStarted()
	now := testStartedAt + 1

	require.NoError(t, f.bid(alice, 100, now))
	require.NoError(t, f.bid(bob, 120, now+1))
	require.Equal(t, uint64(2), f.extended().UncancelledBids)

	// The leader's escrow backs the standing bid and stays locked.
	require.ErrorIs(t, f.cancelBid(bob, now+2), ErrCannotCancelLeadingBid)

	require.NoError(t, f.cancelBid(alice, now+3))
	require.Equal(t, uint64(1_000), f.ledger.Account(alice).Lamports)
	require.Equal(t, uint64(1), f.extended().UncancelledBids)
	f.requireConserved(alice, bob)

	// Retrying a finished withdrawal changes nothing.
	require.NoError(t, f.cancelBid(alice, now+4))
	require.Equal(t, uint64(1_000), f.ledger.Account(alice).Lamports)
	require.Equal(t, uint64(1), f.extended().UncancelledBids)

	// A cancelled bidder can come back; the counter picks them up again.
	require.NoError(t, f.bid(alice, 130, now+5))
	require.Equal(t, uint64(2), f.extended().UncancelledBids)
	require.Equal(t, uint64(130), f.escrow(alice).Lamports)
	f.requireConserved(alice, bob)
}

func TestClaimBidRequiresConclusion(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(1_000)
	bob := f.fundedBidder(1_000)
	f.createStarted()
	now := testStartedAt + 1

	require.NoError(t, f.bid(alice, 100, now))
	require.NoError(t, f.bid(bob, 120, now+1))

	require.ErrorIs(t, f.claimBid(alice, now+2), ErrAuctionStillActive)

	closeAt := f.auction().State.EndAt
	require.NoError(t, f.end(closeAt))
	require.NoError(t, f.claimBid(alice, closeAt+1))
	require.Equal(t, uint64(1_000), f.ledger.Account(alice).Lamports)

	// The winner stays locked until settlement pays the seller.
	require.ErrorIs(t, f.claimBid(bob, closeAt+2), ErrCannotCancelLeadingBid)
	f.requireConserved(alice, bob)
}

func TestEndAuction(t *testing.T) {
	f := newProcessorFixture(t)
	f.createStarted()
	closeAt := f.auction().State.EndAt

	require.ErrorIs(t, f.end(closeAt-1), ErrAuctionStillActive)
	require.NoError(t, f.end(closeAt))
	require.Equal(t, StatusEnded, f.auction().State.Status)
	require.ErrorIs(t, f.end(closeAt+1), ErrInvalidState)
}

func TestCancelAuction(t *testing.T) {
	f := newProcessorFixture(t)
	bidder := f.fundedBidder(1_000)
	f.createStarted()

	outsider := solana.NewWallet().PublicKey()
	instruction, err := NewCancelAuctionInstruction(ProgramID, outsider, f.resource)
	require.ErrorIs(t, f.exec(instruction, err, testStartedAt+1), ErrUnauthorized)

	require.NoError(t, f.bid(bidder, 100, testStartedAt+1))
	instruction, err = NewCancelAuctionInstruction(ProgramID, f.seller, f.resource)
	require.ErrorIs(t, f.exec(instruction, err, testStartedAt+2), ErrBidsAlreadyPlaced)
	require.Equal(t, StatusStarted, f.auction().State.Status)
}

func TestCancelAuctionWithoutBids(t *testing.T) {
	f := newProcessorFixture(t)
	bidder := f.fundedBidder(1_000)
	f.createStarted()

	instruction, err := NewCancelAuctionInstruction(ProgramID, f.seller, f.resource)
	require.NoError(t, f.exec(instruction, err, testStartedAt+1))
	require.Equal(t, StatusCancelled, f.auction().State.Status)

	require.ErrorIs(t, f.bid(bidder, 100, testStartedAt+2), ErrAuctionNotActive)
	require.ErrorIs(t, f.start(f.seller, testStartedAt+3), ErrInvalidState)
}

func TestClaimAuctionSingleSettlement(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(1_000)
	proceedsDest := solana.NewWallet().PublicKey()
	assetDest := solana.NewWallet().PublicKey()
	f.createStarted()

	require.NoError(t, f.bid(alice, 100, testStartedAt+1))
	closeAt := f.auction().State.EndAt
	require.NoError(t, f.end(closeAt))

	require.NoError(t, f.claim(f.seller, alice, proceedsDest, assetDest, closeAt+1))
	require.ErrorIs(t, f.claim(f.seller, alice, proceedsDest, assetDest, closeAt+2), ErrAlreadyClaimed)

	require.Equal(t, uint64(100), f.ledger.Account(proceedsDest).Lamports)
	f.requireConserved(alice)
}

func TestClaimAuctionByWinner(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(1_000)
	proceedsDest := solana.NewWallet().PublicKey()
	f.createStarted()

	require.NoError(t, f.bid(alice, 100, testStartedAt+1))
	closeAt := f.auction().State.EndAt
	require.NoError(t, f.end(closeAt))

	outsider := f.fundedBidder(0)
	require.ErrorIs(t, f.claim(outsider, alice, proceedsDest, alice, closeAt+1), ErrUnauthorized)

	require.NoError(t, f.claim(alice, alice, proceedsDest, alice, closeAt+2))
	holder, ok := f.vault.Holder(f.resource)
	require.True(t, ok)
	require.Equal(t, alice, holder)
	require.Equal(t, uint64(100), f.ledger.Account(proceedsDest).Lamports)
}

// TestClaimAuctionWinnerAsSoleDestination routes both the proceeds and the
// asset back to the winner, so one account appears under a signer meta and
// two non-signer metas in the same instruction. Privileges accumulate across
// the duplicated entries; a later meta must not strip the signer flag.
func TestClaimAuctionWinnerAsSoleDestination(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(1_000)
	f.createStarted()

	require.NoError(t, f.bid(alice, 100, testStartedAt+1))
	closeAt := f.auction().State.EndAt
	require.NoError(t, f.end(closeAt))

	require.NoError(t, f.claim(alice, alice, alice, alice, closeAt+1))

	require.Equal(t, StatusClaimed, f.auction().State.Status)
	// The escrow pays the proceeds straight back to the winner.
	require.Equal(t, uint64(1_000), f.ledger.Account(alice).Lamports)
	holder, ok := f.vault.Holder(f.resource)
	require.True(t, ok)
	require.Equal(t, alice, holder)
}

func TestClaimAuctionNoBids(t *testing.T) {
	f := newProcessorFixture(t)
	assetDest := solana.NewWallet().PublicKey()
	f.createStarted()
	closeAt := f.auction().State.EndAt
	require.NoError(t, f.end(closeAt))

	totalBefore := f.ledger.TotalLamports()
	// No winner exists, so the escrow slot is derived from a placeholder.
	require.NoError(t, f.claim(f.seller, f.seller, f.seller, assetDest, closeAt+1))

	require.Equal(t, StatusClaimed, f.auction().State.Status)
	require.Equal(t, totalBefore, f.ledger.TotalLamports())
	holder, ok := f.vault.Holder(f.resource)
	require.True(t, ok)
	require.Equal(t, assetDest, holder)
}

// failingVault aborts settlement at the asset hand-off stage.
type failingVault struct{}

func (failingVault) LockAsset(solana.PublicKey, solana.PublicKey) (AssetReceipt, error) {
	return AssetReceipt{}, errors.New("vault unavailable")
}

func (failingVault) TransferOut(AssetReceipt, solana.PublicKey) error {
	return errors.New("vault unavailable")
}

func TestClaimAuctionVaultFailureRollsBack(t *testing.T) {
	f := newProcessorFixture(t)
	alice := f.fundedBidder(1_000)
	proceedsDest := solana.NewWallet().PublicKey()
	assetDest := solana.NewWallet().PublicKey()
	f.createStarted()

	require.NoError(t, f.bid(alice, 100, testStartedAt+1))
	closeAt := f.auction().State.EndAt
	require.NoError(t, f.end(closeAt))

	broken := NewProcessor(ProgramID, failingVault{})
	instruction, err := NewClaimAuctionInstruction(ProgramID, f.seller, f.resource, alice, proceedsDest, assetDest)
	require.NoError(t, err)
	require.Error(t, f.ledger.Execute(broken, instruction, closeAt+1))

	// The escrow move happened before the vault call and must be undone.
	require.Equal(t, StatusEnded, f.auction().State.Status)
	require.Equal(t, uint64(100), f.escrow(alice).Lamports)
	require.Equal(t, uint64(0), f.ledger.Account(proceedsDest).Lamports)
	f.requireConserved(alice)

	// The same claim succeeds once the vault is reachable again.
	require.NoError(t, f.claim(f.seller, alice, proceedsDest, assetDest, closeAt+2))
	require.Equal(t, uint64(100), f.ledger.Account(proceedsDest).Lamports)
}

func TestStartAuctionAuthorization(t *testing.T) {
	f := newProcessorFixture(t)
	require.NoError(t, f.create(defaultCreateArgs(f.resource), testCreatedAt))
	before := append([]byte(nil), f.ledger.Account(MustDeriveAuctionPDA(ProgramID, f.resource)).Data...)

	outsider := solana.NewWallet().PublicKey()
	require.ErrorIs(t, f.start(outsider, testStartedAt), ErrUnauthorized)
	require.Equal(t, before, f.ledger.Account(MustDeriveAuctionPDA(ProgramID, f.resource)).Data)

	require.NoError(t, f.start(f.seller, testStartedAt))
	require.ErrorIs(t, f.start(f.seller, testStartedAt+1), ErrInvalidState)
}

func TestSetAuthority(t *testing.T) {
	f := newProcessorFixture(t)
	require.NoError(t, f.create(defaultCreateArgs(f.resource), testCreatedAt))
	successor := solana.NewWallet().PublicKey()

	instruction, err := NewSetAuthorityInstruction(ProgramID, f.seller, f.resource, successor)
	require.NoError(t, f.exec(instruction, err, testCreatedAt+1))
	require.Equal(t, successor, f.auction().Config.Seller)

	// The previous seller hands over all control.
	require.ErrorIs(t, f.start(f.seller, testStartedAt), ErrUnauthorized)
	require.NoError(t, f.start(successor, testStartedAt))

	closeAt := f.auction().State.EndAt
	require.NoError(t, f.end(closeAt))
	instruction, err = NewSetAuthorityInstruction(ProgramID, successor, f.resource, f.seller)
	require.ErrorIs(t, f.exec(instruction, err, closeAt+1), ErrInvalidState)
}

func TestCreateAuctionValidation(t *testing.T) {
	f := newProcessorFixture(t)
	require.NoError(t, f.create(defaultCreateArgs(f.resource), testCreatedAt))
	require.ErrorIs(t, f.create(defaultCreateArgs(f.resource), testCreatedAt+1), ErrAlreadyInitialized)

	other := newProcessorFixture(t)
	args := defaultCreateArgs(other.resource)
	args.Duration = 0
	require.ErrorIs(t, other.create(args, testCreatedAt), ErrMalformedInstruction)
	args = defaultCreateArgs(other.resource)
	args.GapWindow = -1
	require.ErrorIs(t, other.create(args, testCreatedAt), ErrMalformedInstruction)
}

// TestPlaceBidRejectsSubstitutedEscrow hands the processor a hand-built
// account list whose escrow slot points somewhere the bidder controls.
func TestPlaceBidRejectsSubstitutedEscrow(t *testing.T) {
	f := newProcessorFixture(t)
	bidder := f.fundedBidder(1_000)
	f.createStarted()
	require.NoError(t, f.bid(bidder, 100, testStartedAt+1))

	metaKey, _, err := DeriveBidderMetaPDA(ProgramID, f.resource, bidder)
	require.NoError(t, err)
	extendedKey, _, err := DeriveExtendedPDA(ProgramID, f.resource)
	require.NoError(t, err)

	bidderAcc := f.ledger.Account(bidder)
	bidderAcc.Signer = true
	fakeEscrow := NewAccount(solana.NewWallet().PublicKey(), solana.PublicKey{})
	accounts := []*Account{
		bidderAcc,
		fakeEscrow,
		f.ledger.Account(metaKey),
		f.ledger.Account(MustDeriveAuctionPDA(ProgramID, f.resource)),
		f.ledger.Account(extendedKey),
	}

	args := PlaceBidArgs{Amount: 200}
	err = f.processor.Process(encodeArgs(args.MarshalWithEncoder), accounts, testStartedAt+2)
	require.ErrorIs(t, err, ErrAccountMismatch)
	require.Equal(t, uint64(100), f.auction().State.HighestBid)
	require.Equal(t, uint64(0), fakeEscrow.Lamports)
}

// TestRejectsRelocatedAuctionAccount copies a live auction record onto an
// address the program never derived and replays every instruction that reads
// the auction account without companion PDAs. Each must refuse the account
// before touching authorization or state.
func TestRejectsRelocatedAuctionAccount(t *testing.T) {
	f := newProcessorFixture(t)
	f.createStarted()

	real := f.ledger.Account(MustDeriveAuctionPDA(ProgramID, f.resource))
	forged := NewAccount(solana.NewWallet().PublicKey(), ProgramID)
	forged.Data = append([]byte(nil), real.Data...)

	sellerAcc := f.ledger.Account(f.seller)
	sellerAcc.Signer = true
	setArgs := SetAuthorityArgs{NewAuthority: solana.NewWallet().PublicKey()}

	cases := []struct {
		name     string
		data     []byte
		accounts []*Account
	}{
		{"start auction", encodeDiscriminant(InstrStartAuction), []*Account{sellerAcc, forged}},
		{"cancel auction", encodeDiscriminant(InstrCancelAuction), []*Account{sellerAcc, forged}},
		{"end auction", encodeDiscriminant(InstrEndAuction), []*Account{forged}},
		{"set authority", encodeArgs(setArgs.MarshalWithEncoder), []*Account{sellerAcc, forged}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.processor.Process(tc.data, tc.accounts, testStartedAt+1)
			require.ErrorIs(t, err, ErrAccountMismatch)
		})
	}
	require.Equal(t, StatusStarted, f.auction().State.Status)
}

func TestProcessRejectsMalformedData(t *testing.T) {
	f := newProcessorFixture(t)
	f.createStarted()
	auctionAcc := f.ledger.Account(MustDeriveAuctionPDA(ProgramID, f.resource))

	cases := []struct {
		name     string
		data     []byte
		accounts []*Account
	}{
		{"empty payload", nil, []*Account{auctionAcc}},
		{"unknown discriminant", []byte{0xEE}, []*Account{auctionAcc}},
		{"truncated arguments", []byte{InstrPlaceBid, 0x01, 0x02}, []*Account{auctionAcc}},
		{"trailing bytes", []byte{InstrEndAuction, 0xFF}, []*Account{auctionAcc}},
		{"wrong account count", []byte{InstrEndAuction}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := append([]byte(nil), auctionAcc.Data...)
			err := f.processor.Process(tc.data, tc.accounts, testStartedAt+1)
			require.ErrorIs(t, err, ErrMalformedInstruction)
			require.Equal(t, before, auctionAcc.Data)
		})
	}
}

func TestProcessRejectsMissingSignature(t *testing.T) {
	f := newProcessorFixture(t)
	f.createStarted()

	sellerAcc := f.ledger.Account(f.seller)
	sellerAcc.Signer = false
	accounts := []*Account{sellerAcc, f.ledger.Account(MustDeriveAuctionPDA(ProgramID, f.resource))}
	err := f.processor.Process([]byte{InstrCancelAuction}, accounts, testStartedAt+1)
	require.ErrorIs(t, err, ErrUnauthorized)
}

// TestEscrowConservationUnderChurn drives a busy auction through raises,
// cancellations, re-entry, settlement and withdrawals, checking the
// conservation property and whole-arena balance after every step.
func TestEscrowConservationUnderChurn(t *testing.T) {
	f := newProcessorFixture(t)
	bidders := []solana.PublicKey{
		f.fundedBidder(10_000),
		f.fundedBidder(10_000),
		f.fundedBidder(10_000),
	}
	proceedsDest := solana.NewWallet().PublicKey()
	assetDest := solana.NewWallet().PublicKey()
	totalBefore := f.ledger.TotalLamports()
	f.createStarted()

	now := testStartedAt + 1
	step := func(op func() error) {
		t.Helper()
		require.NoError(t, op())
		f.requireConserved(bidders...)
		require.Equal(t, totalBefore, f.ledger.TotalLamports())
		now++
	}

	step(func() error { return f.bid(bidders[0], 100, now) })
	step(func() error { return f.bid(bidders[1], 150, now) })
	step(func() error { return f.bid(bidders[2], 200, now) })
	step(func() error { return f.cancelBid(bidders[0], now) })
	step(func() error { return f.bid(bidders[0], 250, now) })
	step(func() error { return f.bid(bidders[1], 400, now) })
	step(func() error { return f.cancelBid(bidders[2], now) })

	closeAt := f.auction().State.EndAt
	step(func() error { return f.end(closeAt) })
	now = closeAt + 1
	step(func() error { return f.claim(f.seller, bidders[1], proceedsDest, assetDest, now) })
	step(func() error { return f.claimBid(bidders[0], now) })
	step(func() error { return f.claimBid(bidders[1], now) })

	require.Equal(t, uint64(400), f.ledger.Account(proceedsDest).Lamports)
	require.Equal(t, uint64(0), f.extended().UncancelledBids)
	extended := f.extended()
	require.Equal(t, extended.TotalEscrowed, extended.TotalReleased)
	for _, bidder := range bidders {
		require.Equal(t, uint64(0), f.escrow(bidder).Lamports)
	}
}
