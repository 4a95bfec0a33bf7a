package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookConfig holds webhook sink settings.
type WebhookConfig struct {
	URL             string            `yaml:"url"`
	Secret          string            `yaml:"secret"`
	Headers         map[string]string `yaml:"headers"`
	Timeout         time.Duration     `yaml:"timeout"`
	AllowedHosts    []string          `yaml:"allowed_hosts"`
	SignatureHeader string            `yaml:"signature_header"`
}

// Validate checks the configuration.
func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	if len(c.AllowedHosts) > 0 {
		allowed := false
		for _, host := range c.AllowedHosts {
			if strings.EqualFold(parsed.Host, host) || strings.HasSuffix(strings.ToLower(parsed.Host), "."+strings.ToLower(host)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("webhook host %s is not in allowed hosts list", parsed.Host)
		}
	}
	return nil
}

// webhookEnvelope is the wire format posted to the front end.
type webhookEnvelope struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"` // "card", "alert", "alert_delete"
	SubscriberID string       `json:"subscriberId"`
	Timestamp    string       `json:"timestamp"`
	Card         *CardPayload `json:"card,omitempty"`
	Text         string       `json:"text,omitempty"`
	MessageID    string       `json:"messageId,omitempty"`
}

// WebhookSink posts notifications to a configured HTTP endpoint, optionally
// signed with HMAC-SHA256.
type WebhookSink struct {
	cfg    *WebhookConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSink builds a WebhookSink.
func NewWebhookSink(cfg *WebhookConfig, logger *zap.Logger) (*WebhookSink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookSink{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("webhook"),
	}, nil
}

// SendEntityCard implements Sink.
func (s *WebhookSink) SendEntityCard(ctx context.Context, subscriberID string, payload *CardPayload) error {
	envelope := &webhookEnvelope{
		ID:           uuid.New().String(),
		Kind:         "card",
		SubscriberID: subscriberID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Card:         payload,
	}
	return s.post(ctx, envelope)
}

// SendAlert implements Sink.
func (s *WebhookSink) SendAlert(ctx context.Context, subscriberID, text string) (string, error) {
	messageID := uuid.New().String()
	envelope := &webhookEnvelope{
		ID:           uuid.New().String(),
		Kind:         "alert",
		SubscriberID: subscriberID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Text:         text,
		MessageID:    messageID,
	}
	if err := s.post(ctx, envelope); err != nil {
		return "", err
	}
	return messageID, nil
}

// DeleteAlert implements Sink.
func (s *WebhookSink) DeleteAlert(ctx context.Context, subscriberID, messageID string) error {
	envelope := &webhookEnvelope{
		ID:           uuid.New().String(),
		Kind:         "alert_delete",
		SubscriberID: subscriberID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		MessageID:    messageID,
	}
	return s.post(ctx, envelope)
}

func (s *WebhookSink) post(ctx context.Context, envelope *webhookEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Chainwatch-Webhook/1.0")
	req.Header.Set("X-Delivery-ID", envelope.ID)
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	if s.cfg.Secret != "" {
		header := s.cfg.SignatureHeader
		if header == "" {
			header = "X-Signature-256"
		}
		mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
		mac.Write(body)
		req.Header.Set(header, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.logger.Debug("webhook delivered",
		zap.String("kind", envelope.Kind),
		zap.String("subscriber", envelope.SubscriberID))
	return nil
}
