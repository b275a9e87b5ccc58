package auction

import "errors"

// Input errors: rejected before any account state is touched.
var (
	ErrMalformedInstruction = errors.New("malformed instruction payload")
	ErrAccountMismatch      = errors.New("supplied account does not match derived address")
)

// Precondition errors: the instruction is well formed but the transition is not
// allowed against current state. All of these leave account state unchanged.
var (
	ErrAlreadyInitialized     = errors.New("auction account already initialized")
	ErrUninitialized          = errors.New("account not initialized")
	ErrUnauthorized           = errors.New("signer is not authorized for this action")
	ErrInvalidState           = errors.New("auction is in the wrong state for this action")
	ErrBidTooLow              = errors.New("bid amount below required minimum")
	ErrAuctionNotActive       = errors.New("auction is not accepting bids")
	ErrAuctionExpired         = errors.New("auction bidding window has passed")
	ErrCannotCancelLeadingBid = errors.New("leading bid cannot be cancelled or withdrawn")
	ErrBidsAlreadyPlaced      = errors.New("auction with bids cannot be cancelled")
	ErrAuctionStillActive     = errors.New("auction end time has not been reached")
	ErrAlreadyClaimed         = errors.New("auction has already been claimed")
	ErrInsufficientFunds      = errors.New("funding source cannot cover the bid")
)

// ErrEscrowImbalance reports a broken conservation invariant. It should be
// unreachable; any instruction that detects it aborts instead of continuing.
var ErrEscrowImbalance = errors.New("escrow balances do not reconcile with recorded totals")
