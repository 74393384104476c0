package webserver_test

import (
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/zsprackett/flowsight-relay/internal/config"
	"github.com/zsprackett/flowsight-relay/internal/webserver"
)

func TestIssueAndValidateAccessToken(t *testing.T) {
	secret := "test-secret"
	token, err := webserver.IssueAccessToken(secret, "ops-dashboard", time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	subject, err := webserver.ValidateAccessToken(secret, token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if subject != "ops-dashboard" {
		t.Errorf("expected ops-dashboard, got %s", subject)
	}
}

func TestValidateAccessToken_Expired(t *testing.T) {
	token, _ := webserver.IssueAccessToken("test-secret", "ops", -time.Second)
	if _, err := webserver.ValidateAccessToken("test-secret", token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestValidateAccessToken_WrongSecret(t *testing.T) {
	token, _ := webserver.IssueAccessToken("secret-a", "ops", time.Hour)
	if _, err := webserver.ValidateAccessToken("secret-b", token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := webserver.GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := webserver.GenerateToken()
	if a == b {
		t.Error("expected unique tokens")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestWebhookAuth_Token(t *testing.T) {
	hash, err := webserver.HashWebhookToken("hook-secret")
	if err != nil {
		t.Fatal(err)
	}
	auth := webserver.NewWebhookAuth(config.WebhookConfig{TokenHash: hash})
	if !auth.Enabled() {
		t.Fatal("expected auth enabled")
	}

	cases := map[string]bool{"": false, "wrong": false, "hook-secret": true}
	for tok, ok := range cases {
		h := http.Header{}
		if tok != "" {
			h.Set("X-Webhook-Token", tok)
		}
		if err := auth.Verify(h, []byte(`{}`)); (err == nil) != ok {
			t.Errorf("token %q: got err %v, want ok=%v", tok, err, ok)
		}
	}
}

func TestWebhookAuth_Signature(t *testing.T) {
	secret := []byte("signing-key")
	body := []byte(`{"type":"contact.created"}`)
	auth := webserver.NewWebhookAuth(config.WebhookConfig{SigningSecret: string(secret)})

	good := http.Header{}
	good.Set("X-Signature-256", "sha256="+hex.EncodeToString(webserver.Sign(secret, body)))
	if err := auth.Verify(good, body); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := auth.Verify(good, []byte(`{"type":"tampered"}`)); err == nil {
		t.Error("signature over a different body must fail")
	}

	bad := http.Header{}
	bad.Set("X-Signature-256", "sha256=zz")
	if err := auth.Verify(bad, body); err == nil {
		t.Error("malformed signature must fail")
	}
	if err := auth.Verify(http.Header{}, body); err == nil {
		t.Error("missing signature must fail")
	}
}

func TestWebhookAuth_BothRequired(t *testing.T) {
	hash, _ := webserver.HashWebhookToken("tok")
	secret := []byte("key")
	body := []byte(`{}`)
	auth := webserver.NewWebhookAuth(config.WebhookConfig{TokenHash: hash, SigningSecret: string(secret)})

	onlyToken := http.Header{}
	onlyToken.Set("X-Webhook-Token", "tok")
	if err := auth.Verify(onlyToken, body); err == nil {
		t.Error("token without signature must fail when both are configured")
	}

	both := onlyToken.Clone()
	both.Set("X-Signature-256", "sha256="+hex.EncodeToString(webserver.Sign(secret, body)))
	if err := auth.Verify(both, body); err != nil {
		t.Errorf("expected success, got %v", err)
	}
}

func TestWebhookAuth_DisabledAcceptsAll(t *testing.T) {
	auth := webserver.NewWebhookAuth(config.WebhookConfig{})
	if auth.Enabled() {
		t.Fatal("expected auth disabled")
	}
	if err := auth.Verify(http.Header{}, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
