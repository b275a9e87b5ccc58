package apiserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fpluis/manyclubs-solana/internal/indexer"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

type authChallengeRequest struct {
	WalletPubkey string `json:"wallet_pubkey"`
	Intent       string `json:"intent"`
}

type authChallengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Message     string `json:"message"`
}

type authVerifySignatureRequest struct {
	ChallengeID  string `json:"challenge_id"`
	Signature    string `json:"signature"`
	WalletPubkey string `json:"wallet_pubkey"`
}

type authTokenResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request authChallengeRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	request.WalletPubkey = strings.TrimSpace(request.WalletPubkey)
	request.Intent = strings.TrimSpace(request.Intent)
	if request.WalletPubkey == "" {
		s.respondError(w, http.StatusBadRequest, "wallet_pubkey is required")
		return
	}
	if !isAllowedIntent(request.Intent) {
		s.respondError(w, http.StatusBadRequest, "intent must be session, bid, or claim")
		return
	}
	if _, err := solana.PublicKeyFromBase58(request.WalletPubkey); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wallet_pubkey")
		return
	}

	now := time.Now().Unix()
	expiresAt := now + int64(s.cfg.AuthChallengeTTL/time.Second)
	challengeID, err := newID("chl")
	if err != nil {
		s.logger.Error("create challenge id failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create challenge")
		return
	}
	message := fmt.Sprintf("Manyclubs authentication\nintent: %s\nchallenge_id: %s\nwallet: %s\nexpires_at: %d", request.Intent, challengeID, request.WalletPubkey, expiresAt)

	err = s.store.CreateAuthChallenge(r.Context(), indexer.AuthChallengeRecord{
		ID:           challengeID,
		WalletPubkey: request.WalletPubkey,
		Intent:       request.Intent,
		Message:      message,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		s.logger.Error("store auth challenge failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create challenge")
		return
	}

	s.respondJSON(w, http.StatusOK, authChallengeResponse{
		ChallengeID: challengeID,
		Message:     message,
	})
}

func (s *Service) handleAuthVerifySignature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request authVerifySignatureRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	request.ChallengeID = strings.TrimSpace(request.ChallengeID)
	request.Signature = strings.TrimSpace(request.Signature)
	request.WalletPubkey = strings.TrimSpace(request.WalletPubkey)
	if request.ChallengeID == "" || request.Signature == "" || request.WalletPubkey == "" {
		s.respondError(w, http.StatusBadRequest, "challenge_id, signature, wallet_pubkey are required")
		return
	}

	challenge, err := s.store.GetAuthChallenge(r.Context(), request.ChallengeID)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "challenge not found")
			return
		}
		s.logger.Error("get challenge failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to verify challenge")
		return
	}

	now := time.Now().Unix()
	if challenge.ExpiresAt <= now {
		s.respondError(w, http.StatusUnauthorized, "challenge expired")
		return
	}
	if challenge.UsedAt != nil {
		s.respondError(w, http.StatusUnauthorized, "challenge already used")
		return
	}
	if challenge.WalletPubkey != request.WalletPubkey {
		s.respondError(w, http.StatusUnauthorized, "wallet mismatch")
		return
	}
	if err := verifyWalletSignature(request.WalletPubkey, request.Signature, challenge.Message); err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if err := s.store.MarkAuthChallengeUsed(r.Context(), request.ChallengeID, now); err != nil {
		s.logger.Error("mark challenge used failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to finalize challenge")
		return
	}

	token, tokenHash, err := newSessionToken()
	if err != nil {
		s.logger.Error("create session token failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	expiresAt := now + int64(s.cfg.AuthSessionTTL/time.Second)
	if err := s.store.CreateAuthSession(r.Context(), tokenHash, request.WalletPubkey, now, expiresAt); err != nil {
		s.logger.Error("store session failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.respondJSON(w, http.StatusOK, authTokenResponse{SessionToken: token, ExpiresAt: expiresAt})
}

func (s *Service) handleAuthSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	token, err := bearerTokenFromRequest(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	now := time.Now().Unix()
	oldHash := hashToken(token)
	newToken, newTokenHash, err := newSessionToken()
	if err != nil {
		s.logger.Error("create refresh token failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}
	newExpiresAt := now + int64(s.cfg.AuthSessionTTL/time.Second)
	_, err = s.store.RotateAuthSession(r.Context(), oldHash, newTokenHash, now, newExpiresAt)
	if err != nil {
		if errors.Is(err, indexer.ErrUnauthorized) {
			s.respondError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		s.logger.Error("rotate session failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}

	s.respondJSON(w, http.StatusOK, authTokenResponse{SessionToken: newToken, ExpiresAt: newExpiresAt})
}

func (s *Service) handleWalletEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	session, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	openOnly, err := parseOptionalBool(r, "open_only")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListEscrows(r.Context(), indexer.EscrowFilter{
		Bidder:   session.WalletPubkey,
		OpenOnly: openOnly,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list wallet escrows failed", "wallet", session.WalletPubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list escrows")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.EscrowRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleWalletBids(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	session, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListBids(r.Context(), indexer.BidFilter{
		Bidder: session.WalletPubkey,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list wallet bids failed", "wallet", session.WalletPubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list bids")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.BidRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			channels := subs.List()
			for _, channel := range channels {
				payload, err := s.getWebsocketPayload(ctx, channel)
				if err != nil {
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func (s *Service) getWebsocketPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case strings.HasPrefix(channel, "auction.state."):
		pubkey := strings.TrimSpace(strings.TrimPrefix(channel, "auction.state."))
		if pubkey == "" {
			return nil, fmt.Errorf("channel requires an auction pubkey")
		}
		item, err := s.store.GetAuction(ctx, pubkey)
		if errors.Is(err, indexer.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return item, nil
	case strings.HasPrefix(channel, "auction.bids."):
		pubkey := strings.TrimSpace(strings.TrimPrefix(channel, "auction.bids."))
		if pubkey == "" {
			return nil, fmt.Errorf("channel requires an auction pubkey")
		}
		items, limit, offset, err := s.store.ListBids(ctx, indexer.BidFilter{AuctionPubkey: pubkey})
		if err != nil {
			return nil, err
		}
		return listResponse[indexer.BidRow]{Items: items, Limit: limit, Offset: offset}, nil
	case strings.HasPrefix(channel, "auction.escrows."):
		pubkey := strings.TrimSpace(strings.TrimPrefix(channel, "auction.escrows."))
		if pubkey == "" {
			return nil, fmt.Errorf("channel requires an auction pubkey")
		}
		items, limit, offset, err := s.store.ListEscrows(ctx, indexer.EscrowFilter{AuctionPubkey: pubkey})
		if err != nil {
			return nil, err
		}
		return listResponse[indexer.EscrowRow]{Items: items, Limit: limit, Offset: offset}, nil
	default:
		return nil, fmt.Errorf("unknown channel")
	}
}

func (s *Service) requireSession(r *http.Request) (indexer.AuthSessionRecord, error) {
	token, err := bearerTokenFromRequest(r)
	if err != nil {
		return indexer.AuthSessionRecord{}, err
	}
	session, err := s.store.GetAuthSession(r.Context(), hashToken(token))
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return indexer.AuthSessionRecord{}, fmt.Errorf("invalid or expired session")
		}
		return indexer.AuthSessionRecord{}, err
	}
	now := time.Now().Unix()
	if session.RevokedAt != nil || session.ExpiresAt <= now {
		return indexer.AuthSessionRecord{}, fmt.Errorf("invalid or expired session")
	}
	return session, nil
}

func bearerTokenFromRequest(r *http.Request) (string, error) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return "", fmt.Errorf("authorization header is required")
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return "", fmt.Errorf("authorization header must use bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	if token == "" {
		return "", fmt.Errorf("authorization token is empty")
	}
	return token, nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func newSessionToken() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	return token, hashToken(token), nil
}

func newID(prefix string) (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(raw), nil
}

func isAllowedIntent(intent string) bool {
	switch strings.ToLower(strings.TrimSpace(intent)) {
	case "session", "bid", "claim":
		return true
	default:
		return false
	}
}

func verifyWalletSignature(walletPubkey, signature, message string) error {
	wallet, err := solana.PublicKeyFromBase58(walletPubkey)
	if err != nil {
		return fmt.Errorf("invalid wallet pubkey: %w", err)
	}
	sigBytes, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(wallet[:], []byte(message), sigBytes) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if sig, err := solana.SignatureFromBase58(trimmed); err == nil {
		bytes := sig[:]
		return bytes, nil
	}
	if bytes, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}
	if bytes, err := base64.RawStdEncoding.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}
	if bytes, err := base64.URLEncoding.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}
	if bytes, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}
	if bytes, err := hex.DecodeString(trimmed); err == nil && len(bytes) == ed25519.SignatureSize {
		return bytes, nil
	}

	return nil, fmt.Errorf("unsupported signature encoding")
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
