package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// ContentType is the structured-mode media type of a delivered event.
	ContentType = "application/cloudevents+json"
	// SignatureHeader carries "sha256=<hex>" of the request body.
	SignatureHeader = "X-Signature-256"

	userAgent    = "sdqueue-callbacks/1.0"
	maxErrorBody = 256
)

// Sender posts CloudEvents to receivers in structured mode.
type Sender struct {
	client *http.Client
}

// NewSender returns a Sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendOptions controls signing. A non-empty Signature is sent as is and wins
// over SigningKey.
type SendOptions struct {
	SigningKey string
	Signature  string
}

func (o SendOptions) signature(body []byte) string {
	if o.Signature != "" {
		return o.Signature
	}
	if o.SigningKey != "" {
		return generateSignature(body, o.SigningKey)
	}
	return ""
}

// Send POSTs event to url. Any non-2xx answer is returned as *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	setHeaders(req.Header, event)
	if sig := opts.signature(body); sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", event.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       strings.TrimSpace(string(snippet)),
	}
}

// setHeaders writes the binary-mode attribute headers alongside the
// structured body so receivers can route without decoding it.
func setHeaders(h http.Header, event *CloudEvent) {
	h.Set("Content-Type", ContentType)
	h.Set("User-Agent", userAgent)
	h.Set("Ce-Specversion", event.SpecVersion)
	h.Set("Ce-Id", event.ID)
	h.Set("Ce-Type", event.Type)
	h.Set("Ce-Source", event.Source)
	h.Set("Ce-Time", event.Time.Format(time.RFC3339))
	if event.Subject != "" {
		h.Set("Ce-Subject", event.Subject)
	}
}

// Sign returns the signature header value Send would attach for key.
func Sign(event *CloudEvent, key string) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return generateSignature(body, key), nil
}

// Verify reports whether signature is the HMAC-SHA256 of body under key.
// Receivers call it with the raw request body and the SignatureHeader value.
func Verify(body []byte, key, signature string) bool {
	if key == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(generateSignature(body, key)), []byte(signature))
}

func generateSignature(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is a non-2xx answer from a receiver.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // zero unless the receiver sent Retry-After in seconds
	Body       string        // leading bytes of the response body
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether the receiver refused the event in a way a
// retry cannot fix: any 4xx except 408 and 429.
func IsPermanent(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}

// RetryAfter returns the delay a receiver asked for, or zero.
func RetryAfter(err error) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
