package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.5-flash-image"

	// DefaultMaxResponseBytes leaves room for a base64 image at the source size cap.
	DefaultMaxResponseBytes = 48 << 20

	// Instruction asks the model for a flat #00FF00 background. The chroma
	// key pass depends on that exact colour.
	Instruction = "Strict Instructions: Identify the main subject of this image. Remove the entire background and replace it with a solid, flat, neon green color (#00FF00). The output must only be the subject and the solid green background. Do not add shadows, lighting, or borders."
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// MaxResponseBytes bounds a successful response body.
	MaxResponseBytes int64
}

// Client edits images through the Gemini generateContent endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
	maxBody    int64
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type generateContentResponse struct {
	Candidates     []candidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}

	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     opts.Logger,
		maxBody:    maxBody,
	}
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit asks the model to repaint the background neon green and returns the
// first inline image it produces.
func (c *Client) Submit(ctx context.Context, asset domain.ImageAsset) (domain.ImageAsset, error) {
	if !c.HasCredentials() {
		return domain.ImageAsset{}, fmt.Errorf("%s: %w: no api key configured", domain.BackendGenAI, domain.ErrMissingCredentials)
	}
	if err := ctx.Err(); err != nil {
		return domain.ImageAsset{}, err
	}

	mimeType := strings.TrimSpace(asset.MIMEType)
	if mimeType == "" || mimeType == domain.MIMETypeOctetStream {
		if sniffed := codec.SniffFormat(asset.Bytes).MIMEType(); sniffed != "" {
			mimeType = sniffed
		}
	}

	payload := generateContentRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(asset.Bytes)}},
				{Text: Instruction},
			},
		}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	var response generateContentResponse
	if err := c.invoke(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
		return domain.ImageAsset{}, err
	}

	result, err := extractImage(response)
	if err != nil {
		return domain.ImageAsset{}, err
	}

	c.logger.Debug().
		Str("model", c.model).
		Str("mime_type", result.MIMEType).
		Int("bytes", len(result.Bytes)).
		Msg("genai: generated edited image")

	return result, nil
}

func (c *Client) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.UpstreamError{Backend: domain.BackendGenAI, Kind: domain.UpstreamNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		message := strings.TrimSpace(string(data))
		var apiErr errorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		if message == "" {
			message = fmt.Sprintf("gemini status %d", resp.StatusCode)
		}
		return &domain.UpstreamError{Backend: domain.BackendGenAI, Kind: domain.UpstreamStatus, Status: resp.StatusCode, Message: message}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return &domain.UpstreamError{Backend: domain.BackendGenAI, Kind: domain.UpstreamNetwork, Message: "read gemini response", Err: err}
	}
	if int64(len(data)) > c.maxBody {
		return &domain.UpstreamError{Backend: domain.BackendGenAI, Kind: domain.UpstreamBadResponse, Message: fmt.Sprintf("gemini response exceeds %d bytes", c.maxBody)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.UpstreamError{Backend: domain.BackendGenAI, Kind: domain.UpstreamBadResponse, Message: "decode gemini response", Err: err}
	}
	return nil
}

func extractImage(response generateContentResponse) (domain.ImageAsset, error) {
	var texts []string
	for _, cand := range response.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				if text := strings.TrimSpace(p.Text); text != "" {
					texts = append(texts, text)
				}
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return domain.ImageAsset{}, &domain.UpstreamError{Backend: domain.BackendGenAI, Kind: domain.UpstreamBadResponse, Message: "decode inline data", Err: err}
			}
			mimeType := strings.TrimSpace(p.InlineData.MimeType)
			if mimeType == "" {
				mimeType = domain.MIMETypePNG
			}
			return domain.ImageAsset{Bytes: data, MIMEType: mimeType}, nil
		}
	}

	noImage := &domain.UpstreamError{
		Backend: domain.BackendGenAI,
		Kind:    domain.UpstreamNoImage,
		Message: "failed to generate a result",
	}
	switch {
	case len(texts) > 0:
		noImage.Hint = strings.Join(texts, " ")
	case response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "":
		noImage.Hint = "blocked: " + response.PromptFeedback.BlockReason
	}
	return domain.ImageAsset{}, noImage
}
