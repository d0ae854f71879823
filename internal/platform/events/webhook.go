package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	HeaderSignature = "X-Resqnet-Signature"
	HeaderEvent     = "X-Resqnet-Event"
	HeaderDelivery  = "X-Resqnet-Delivery"
	HeaderTimestamp = "X-Resqnet-Timestamp"
)

// WebhookSink POSTs every event as JSON to a single receiver, such as a
// police CAD bridge. When a secret is set the body is signed with
// HMAC-SHA256 and the hex digest sent as "sha256=<digest>".
type WebhookSink struct {
	http   *resty.Client
	url    string
	secret string
}

const (
	webhookAttemptTimeout = 5 * time.Second
	webhookRetryWait      = 500 * time.Millisecond
	webhookRetryMaxWait   = 2 * time.Second
)

// NewWebhookSink validates rawURL and returns a sink that retries 5xx and
// transport failures up to retries times.
func NewWebhookSink(rawURL, secret string, retries int) (*WebhookSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	client := resty.New().
		SetTimeout(webhookAttemptTimeout).
		SetRetryCount(retries).
		SetRetryWaitTime(webhookRetryWait).
		SetRetryMaxWaitTime(webhookRetryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "resqnet-webhook").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &WebhookSink{http: client, url: rawURL, secret: secret}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

// WebhookWorstCaseDelivery is how long Publish can take when every attempt
// times out and every retry waits the maximum.
func WebhookWorstCaseDelivery(retries int) time.Duration {
	return time.Duration(retries+1)*webhookAttemptTimeout + time.Duration(retries)*webhookRetryMaxWait
}

func (s *WebhookSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req := s.http.R().
		SetContext(ctx).
		SetBody(body).
		SetHeader(HeaderEvent, string(ev.Type)).
		SetHeader(HeaderDelivery, ev.ID.String()).
		SetHeader(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.SetHeader(HeaderSignature, "sha256="+SignPayload(body, s.secret))
	}
	resp, err := req.Post(s.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook receiver returned %d", resp.StatusCode())
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
