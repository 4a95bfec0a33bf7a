package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menagerie-labs/chainwatch/internal/testutil"
	"github.com/menagerie-labs/chainwatch/pkg/scan"
)

func TestWebhookSendEntityCard(t *testing.T) {
	var received webhookEnvelope
	var signature string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get("X-Signature-256")
		require.NoError(t, json.Unmarshal(body, &received))

		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		assert.Equal(t, want, signature, "payload must be HMAC signed")

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(&WebhookConfig{URL: server.URL, Secret: "s3cret"}, testutil.Logger(t))
	require.NoError(t, err)

	payload := &CardPayload{
		SubscriberID: "sub-1",
		Family:       scan.FamilyBond,
		Entity:       EntityDetail{ID: 34, Species: 3, Level: 2, Name: "ember fox"},
		ActorID:      9,
		ActorName:    "kael",
		Attributed:   true,
		Block:        101,
	}
	require.NoError(t, sink.SendEntityCard(context.Background(), "sub-1", payload))

	assert.Equal(t, "card", received.Kind)
	assert.Equal(t, "sub-1", received.SubscriberID)
	require.NotNil(t, received.Card)
	assert.Equal(t, uint64(34), received.Card.Entity.ID)
	assert.NotEmpty(t, signature)
}

func TestWebhookSendAlertReturnsMessageID(t *testing.T) {
	var received webhookEnvelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(&WebhookConfig{URL: server.URL}, testutil.Logger(t))
	require.NoError(t, err)

	messageID, err := sink.SendAlert(context.Background(), "sub-1", "companion spawned")
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)
	assert.Equal(t, messageID, received.MessageID)
	assert.Equal(t, "alert", received.Kind)

	require.NoError(t, sink.DeleteAlert(context.Background(), "sub-1", messageID))
}

func TestWebhookRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(&WebhookConfig{URL: server.URL}, testutil.Logger(t))
	require.NoError(t, err)

	_, err = sink.SendAlert(context.Background(), "sub-1", "boom")
	assert.Error(t, err)
}

func TestWebhookConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     WebhookConfig
		wantErr bool
	}{
		{"valid", WebhookConfig{URL: "https://hooks.example.com/cw"}, false},
		{"missing url", WebhookConfig{}, true},
		{"bad scheme", WebhookConfig{URL: "ftp://example.com"}, true},
		{"allowed host match", WebhookConfig{URL: "https://hooks.example.com/cw", AllowedHosts: []string{"example.com"}}, false},
		{"allowed host mismatch", WebhookConfig{URL: "https://evil.test/cw", AllowedHosts: []string{"example.com"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
