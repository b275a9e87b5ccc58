package indexer

import (
	"testing"
	"time"

	"github.com/fpluis/manyclubs-solana/internal/auction"
	"github.com/stretchr/testify/require"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "simple",
			in:   "SELECT * FROM auctions WHERE pubkey = ?",
			want: "SELECT * FROM auctions WHERE pubkey = $1",
		},
		{
			name: "multiple placeholders are numbered in order",
			in:   "INSERT INTO auction_bids (a, b, c) VALUES (?, ?, ?)",
			want: "INSERT INTO auction_bids (a, b, c) VALUES ($1, $2, $3)",
		},
		{
			name: "question mark inside string literal is preserved",
			in:   "SELECT * FROM auctions WHERE status = 'what?' AND seller = ?",
			want: "SELECT * FROM auctions WHERE status = 'what?' AND seller = $1",
		},
		{
			name: "escaped quote does not end the literal",
			in:   "SELECT 'it''s a ?' AS label, ? AS value",
			want: "SELECT 'it''s a ?' AS label, $1 AS value",
		},
		{
			name: "no placeholders",
			in:   "SELECT 1",
			want: "SELECT 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rebindPostgresPlaceholders(tc.in))
		})
	}
}

func TestNormalizePagination(t *testing.T) {
	limit, offset := normalizePagination(0, 0)
	require.Equal(t, defaultPageLimit, limit)
	require.Equal(t, 0, offset)

	limit, offset = normalizePagination(-5, -10)
	require.Equal(t, defaultPageLimit, limit)
	require.Equal(t, 0, offset)

	limit, offset = normalizePagination(10_000, 25)
	require.Equal(t, maxPageLimit, limit)
	require.Equal(t, 25, offset)

	limit, offset = normalizePagination(75, 150)
	require.Equal(t, 75, limit)
	require.Equal(t, 150, offset)
}

func TestAuctionKindText(t *testing.T) {
	require.Equal(t, "english", auctionKindText(auction.KindEnglish))
	require.Equal(t, "sealed_bid", auctionKindText(auction.KindSealedBid))
	require.Equal(t, "unknown(99)", auctionKindText(auction.AuctionKind(99)))
}

func TestNextRetryDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 5 * time.Second

	require.Equal(t, time.Second, nextRetryDelay(base, base, max))
	require.Equal(t, 4*time.Second, nextRetryDelay(2*time.Second, base, max))
	require.Equal(t, max, nextRetryDelay(3*time.Second, base, max))
	require.Equal(t, max, nextRetryDelay(max, base, max))
	require.Equal(t, time.Second, nextRetryDelay(0, base, max))
}
