package apiserver

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestVerifyWalletSignature(t *testing.T) {
	wallet := solana.NewWallet()
	message := "Manyclubs authentication\nintent: session\nchallenge_id: chl-abc\nwallet: " +
		wallet.PublicKey().String() + "\nexpires_at: 1700000300"

	signature, err := wallet.PrivateKey.Sign([]byte(message))
	require.NoError(t, err)

	require.NoError(t, verifyWalletSignature(wallet.PublicKey().String(), signature.String(), message))
	require.Error(t, verifyWalletSignature(wallet.PublicKey().String(), signature.String(), message+" tampered"))

	other := solana.NewWallet()
	require.Error(t, verifyWalletSignature(other.PublicKey().String(), signature.String(), message))
	require.Error(t, verifyWalletSignature("not-a-pubkey", signature.String(), message))
}

func TestDecodeSignatureEncodings(t *testing.T) {
	raw := make([]byte, ed25519.SignatureSize)
	for i := range raw {
		raw[i] = byte(i + 1)
	}

	encodings := map[string]string{
		"base58":        solana.SignatureFromBytes(raw).String(),
		"base64":        base64.StdEncoding.EncodeToString(raw),
		"base64url":     base64.URLEncoding.EncodeToString(raw),
		"base64raw":     base64.RawStdEncoding.EncodeToString(raw),
		"base64rawurl":  base64.RawURLEncoding.EncodeToString(raw),
		"hex":           hex.EncodeToString(raw),
		"padded-spaces": "  " + base64.StdEncoding.EncodeToString(raw) + "  ",
	}

	for name, encoded := range encodings {
		t.Run(name, func(t *testing.T) {
			decoded, err := decodeSignature(encoded)
			require.NoError(t, err)
			require.Equal(t, raw, decoded)
		})
	}

	_, err := decodeSignature("")
	require.Error(t, err)
	_, err = decodeSignature("!!not-any-known-encoding!!")
	require.Error(t, err)
}

func TestSessionTokenHashing(t *testing.T) {
	token, tokenHash, err := newSessionToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, hashToken(token), tokenHash)
	require.NotEqual(t, token, tokenHash)

	otherToken, otherHash, err := newSessionToken()
	require.NoError(t, err)
	require.NotEqual(t, token, otherToken)
	require.NotEqual(t, tokenHash, otherHash)
}

func TestNewID(t *testing.T) {
	id, err := newID("chl")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "chl-"))
	require.Len(t, id, len("chl-")+24)
}

func TestBearerTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/wallet/escrows", nil)
	_, err := bearerTokenFromRequest(r)
	require.Error(t, err)

	r.Header.Set("Authorization", "Basic abc")
	_, err = bearerTokenFromRequest(r)
	require.Error(t, err)

	r.Header.Set("Authorization", "Bearer ")
	_, err = bearerTokenFromRequest(r)
	require.Error(t, err)

	r.Header.Set("Authorization", "Bearer session-token-value")
	token, err := bearerTokenFromRequest(r)
	require.NoError(t, err)
	require.Equal(t, "session-token-value", token)
}

func TestIsAllowedIntent(t *testing.T) {
	require.True(t, isAllowedIntent("session"))
	require.True(t, isAllowedIntent("bid"))
	require.True(t, isAllowedIntent("claim"))
	require.True(t, isAllowedIntent(" Session "))
	require.False(t, isAllowedIntent(""))
	require.False(t, isAllowedIntent("admin"))
}

func TestSplitAuctionSubroute(t *testing.T) {
	pubkey, remainder := splitAuctionSubroute("/api/v1/auctions/AbCd123")
	require.Equal(t, "AbCd123", pubkey)
	require.Equal(t, "", remainder)

	pubkey, remainder = splitAuctionSubroute("/api/v1/auctions/AbCd123/bids")
	require.Equal(t, "AbCd123", pubkey)
	require.Equal(t, "bids", remainder)

	pubkey, remainder = splitAuctionSubroute("/api/v1/auctions/AbCd123/bids/extra")
	require.Equal(t, "AbCd123", pubkey)
	require.Equal(t, "bids/extra", remainder)

	pubkey, remainder = splitAuctionSubroute("/api/v1/auctions/")
	require.Equal(t, "", pubkey)
	require.Equal(t, "", remainder)
}

func TestDecodeJSONBody(t *testing.T) {
	var request authChallengeRequest

	r := httptest.NewRequest("POST", "/v1/auth/challenge", strings.NewReader(`{"wallet_pubkey":"abc","intent":"session"}`))
	require.NoError(t, decodeJSONBody(r, &request))
	require.Equal(t, "abc", request.WalletPubkey)
	require.Equal(t, "session", request.Intent)

	r = httptest.NewRequest("POST", "/v1/auth/challenge", strings.NewReader(`{"wallet_pubkey":"abc","unexpected":true}`))
	require.Error(t, decodeJSONBody(r, &request))

	r = httptest.NewRequest("POST", "/v1/auth/challenge", strings.NewReader(`{"intent":"session"}{"intent":"bid"}`))
	require.Error(t, decodeJSONBody(r, &request))

	r = httptest.NewRequest("POST", "/v1/auth/challenge", strings.NewReader(`not json`))
	require.Error(t, decodeJSONBody(r, &request))
}

func TestIsOriginAllowed(t *testing.T) {
	restricted := &Service{
		allowAllOrigins: false,
		allowedOriginSet: map[string]struct{}{
			"https://app.example.com": {},
		},
	}
	require.True(t, restricted.isOriginAllowed(""))
	require.True(t, restricted.isOriginAllowed("https://app.example.com"))
	require.False(t, restricted.isOriginAllowed("https://evil.example.com"))

	open := &Service{allowAllOrigins: true}
	require.True(t, open.isOriginAllowed("https://anywhere.example.com"))
}

func TestSubscriptionSet(t *testing.T) {
	subs := newSubscriptionSet()
	require.Empty(t, subs.List())

	subs.Add("auction.state.AbCd123")
	subs.Add("auction.bids.AbCd123")
	subs.Add("auction.state.AbCd123")
	require.Len(t, subs.List(), 2)

	subs.Remove("auction.bids.AbCd123")
	require.Equal(t, []string{"auction.state.AbCd123"}, subs.List())

	subs.Remove("never-subscribed")
	require.Len(t, subs.List(), 1)
}
