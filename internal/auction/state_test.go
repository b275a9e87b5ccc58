package auction

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestAuctionRecordCodec(t *testing.T) {
	winner := solana.NewWallet().PublicKey()
	record := &AuctionRecord{
		Config: AuctionConfig{
			Seller:          solana.NewWallet().PublicKey(),
			Resource:        solana.NewWallet().PublicKey(),
			Kind:            KindEnglish,
			StartingPrice:   500,
			MinBidIncrement: 25,
			Duration:        7200,
			GapWindow:       300,
			ExtensionPeriod: 600,
		},
		State: AuctionState{
			Status:        StatusStarted,
			EndAt:         1_700_100_000,
			HighestBid:    750,
			HighestBidder: &winner,
			BidCount:      2,
			History: []BidEntry{
				{Bidder: solana.NewWallet().PublicKey(), Amount: 500, Timestamp: 1_700_000_100},
				{Bidder: winner, Amount: 750, Timestamp: 1_700_000_200},
			},
		},
	}

	data, err := record.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, AccountTagAuction, data[0])

	decoded, err := ParseAuctionRecord(data)
	require.NoError(t, err)
	require.Equal(t, record, decoded)
}

func TestAuctionRecordCodecNoWinner(t *testing.T) {
	record := &AuctionRecord{
		Config: AuctionConfig{
			Seller:        solana.NewWallet().PublicKey(),
			Resource:      solana.NewWallet().PublicKey(),
			StartingPrice: 100,
			Duration:      3600,
		},
		State: AuctionState{Status: StatusCreated, EndAt: 1_700_003_600, History: []BidEntry{}},
	}

	data, err := record.MarshalBinary()
	require.NoError(t, err)
	decoded, err := ParseAuctionRecord(data)
	require.NoError(t, err)
	require.Nil(t, decoded.State.HighestBidder)
	require.Equal(t, record, decoded)
}

func TestParseAuctionRecordRejectsCorruptPayload(t *testing.T) {
	record := &AuctionRecord{
		Config: AuctionConfig{Resource: solana.NewWallet().PublicKey(), Duration: 60},
		State:  AuctionState{History: []BidEntry{}},
	}
	data, err := record.MarshalBinary()
	require.NoError(t, err)

	_, err = ParseAuctionRecord(nil)
	require.Error(t, err)

	wrongTag := append([]byte(nil), data...)
	wrongTag[0] = AccountTagBidderMeta
	_, err = ParseAuctionRecord(wrongTag)
	require.Error(t, err)

	_, err = ParseAuctionRecord(data[:len(data)-4])
	require.Error(t, err)
}

func TestExtendedRecordCodec(t *testing.T) {
	record := &ExtendedRecord{
		Resource:        solana.NewWallet().PublicKey(),
		TotalEscrowed:   9_000,
		TotalReleased:   4_500,
		UncancelledBids: 3,
	}

	data, err := record.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, AccountTagExtended, data[0])

	decoded, err := ParseExtendedRecord(data)
	require.NoError(t, err)
	require.Equal(t, record, decoded)
}

func TestBidderMetaRecordCodec(t *testing.T) {
	record := &BidderMetaRecord{
		Bidder:    solana.NewWallet().PublicKey(),
		LastBid:   1_250,
		LastBidAt: 1_700_000_500,
		Cancelled: true,
	}

	data, err := record.MarshalBinary()
	require.NoError(t, err)
	decoded, err := ParseBidderMetaRecord(data)
	require.NoError(t, err)
	require.Equal(t, record, decoded)

	// A record of another type never parses as bidder meta.
	_, err = ParseBidderMetaRecord([]byte{AccountTagExtended})
	require.Error(t, err)
}

func TestVerifyEscrowConservation(t *testing.T) {
	extended := &ExtendedRecord{TotalEscrowed: 300, TotalReleased: 100}
	escrows := []*Account{{Lamports: 150}, {Lamports: 50}}
	require.NoError(t, VerifyEscrowConservation(extended, escrows))

	escrows[1].Lamports = 60
	require.ErrorIs(t, VerifyEscrowConservation(extended, escrows), ErrEscrowImbalance)

	require.ErrorIs(t, VerifyEscrowConservation(&ExtendedRecord{TotalEscrowed: 10, TotalReleased: 20}, nil), ErrEscrowImbalance)
}
