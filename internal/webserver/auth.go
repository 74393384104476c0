package webserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zsprackett/flowsight-relay/internal/config"
)

// IssueAccessToken creates a signed HS256 JWT identifying a dashboard client.
func IssueAccessToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "flowsight-relay",
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateAccessToken parses and validates a JWT, returning its subject.
func ValidateAccessToken(secret, tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// GenerateToken returns a random 32-byte hex string suitable as a webhook
// shared secret.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashWebhookToken returns the bcrypt hash stored in webhook.tokenHash.
func HashWebhookToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(h), nil
}

const (
	headerWebhookToken = "X-Webhook-Token"
	headerSignature    = "X-Signature-256"
)

var (
	errMissingToken     = errors.New("missing " + headerWebhookToken)
	errBadToken         = errors.New("webhook token mismatch")
	errMissingSignature = errors.New("missing " + headerSignature)
	errBadSignature     = errors.New("webhook signature mismatch")
)

// WebhookAuth verifies inbound webhooks. Each configured check must pass.
type WebhookAuth struct {
	tokenHash []byte
	secret    []byte
}

func NewWebhookAuth(cfg config.WebhookConfig) WebhookAuth {
	var a WebhookAuth
	if cfg.TokenHash != "" {
		a.tokenHash = []byte(cfg.TokenHash)
	}
	if cfg.SigningSecret != "" {
		a.secret = []byte(cfg.SigningSecret)
	}
	return a
}

func (a WebhookAuth) Enabled() bool {
	return a.tokenHash != nil || a.secret != nil
}

func (a WebhookAuth) Verify(h http.Header, body []byte) error {
	if a.tokenHash != nil {
		tok := h.Get(headerWebhookToken)
		if tok == "" {
			return errMissingToken
		}
		if bcrypt.CompareHashAndPassword(a.tokenHash, []byte(tok)) != nil {
			return errBadToken
		}
	}
	if a.secret != nil {
		sig := h.Get(headerSignature)
		if sig == "" {
			return errMissingSignature
		}
		got, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
		if err != nil || !hmac.Equal(got, Sign(a.secret, body)) {
			return errBadSignature
		}
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body, the value senders put in
// X-Signature-256 as "sha256=<hex>".
func Sign(secret, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return m.Sum(nil)
}

type contextKey string

const subjectKey contextKey = "subject"

// requireClientToken checks the HS256 token in the Authorization header.
// Browsers cannot set headers on WebSocket or EventSource requests, so a
// ?token= query parameter is accepted too.
func requireClientToken(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			tokenStr = q
		}
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := ValidateAccessToken(secret, tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}
