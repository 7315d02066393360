package removal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Zyncut-Signature"
	HeaderTimestamp = "X-Zyncut-Timestamp"

	AcceptHeader     = "application/json, image/*;q=0.9, */*;q=0.8"
	DefaultFieldName = "data"

	maxResponseBytes = 32 << 20
)

type Config struct {
	Endpoint       string
	FieldName      string
	RawBody        bool
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Client submits images to the primary removal webhook.
type Client struct {
	httpClient     *http.Client
	endpoint       string
	fieldName      string
	rawBody        bool
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	fieldName := strings.TrimSpace(cfg.FieldName)
	if fieldName == "" {
		fieldName = DefaultFieldName
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		httpClient:     httpClient,
		endpoint:       strings.TrimSpace(cfg.Endpoint),
		fieldName:      fieldName,
		rawBody:        cfg.RawBody,
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		logger:         cfg.Logger,
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Submit sends the asset to the webhook. A nil asset with a nil error means
// the webhook answered successfully but carried no usable image.
func (c *Client) Submit(ctx context.Context, asset domain.ImageAsset) (*domain.ImageAsset, error) {
	if c.endpoint == "" {
		return nil, &domain.UpstreamError{
			Backend: domain.BackendWebhook,
			Kind:    domain.UpstreamNotConfigured,
			Message: "webhook url is not configured",
		}
	}

	body, contentType, err := c.encodeBody(asset)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := c.post(ctx, body, contentType, timestamp)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if attempt == c.maxAttempts || !retryable(err) {
			break
		}

		c.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("removal: retrying webhook")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.maxBackoff)
	}

	return nil, lastErr
}

func (c *Client) post(ctx context.Context, body []byte, contentType, timestamp string) (*domain.ImageAsset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", AcceptHeader)
	if c.signingSecret != "" {
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, c.sign(timestamp, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamNetwork, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamNetwork, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	declared := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyFailure(resp.StatusCode, declared, payload)
	}

	return c.decode(ctx, classify(declared, payload))
}

func (c *Client) encodeBody(asset domain.ImageAsset) ([]byte, string, error) {
	mimeType := strings.TrimSpace(asset.MIMEType)
	if mimeType == "" {
		mimeType = domain.MIMETypeOctetStream
	}

	if c.rawBody {
		return asset.Bytes, mimeType, nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(c.fieldName), escapeQuotes(uploadFilename(asset))))
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(asset.Bytes); err != nil {
		return nil, "", fmt.Errorf("write form part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func (c *Client) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func uploadFilename(asset domain.ImageAsset) string {
	if name := strings.TrimSpace(asset.Filename); name != "" {
		return name
	}
	format := codec.FormatFromMIME(asset.MIMEType)
	if format == codec.FormatUnknown {
		format = codec.SniffFormat(asset.Bytes)
	}
	return "image." + format.Extension()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func retryable(err error) bool {
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	return upstream.Kind == domain.UpstreamNetwork || upstream.Status >= http.StatusInternalServerError
}
