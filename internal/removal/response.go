package removal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
)

// response is the tagged union over the three success body shapes.
type response interface {
	isResponse()
}

type jsonResponse struct {
	body []byte
}

type imageResponse struct {
	mimeType string
	body     []byte
}

type rawResponse struct {
	declared string
	body     []byte
}

func (jsonResponse) isResponse()  {}
func (imageResponse) isResponse() {}
func (rawResponse) isResponse()   {}

// fieldPriority is the order in which JSON bodies are searched for an image.
var fieldPriority = []string{"url", "Url", "dataUrl", "result", "image", "base64", "data"}

func classify(contentType string, body []byte) response {
	mediaType := codec.BaseMediaType(contentType)
	switch {
	case isJSON(mediaType):
		return jsonResponse{body: body}
	case strings.HasPrefix(mediaType, "image/"):
		return imageResponse{mimeType: mediaType, body: body}
	default:
		return rawResponse{declared: mediaType, body: body}
	}
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func (c *Client) decode(ctx context.Context, resp response) (*domain.ImageAsset, error) {
	switch r := resp.(type) {
	case jsonResponse:
		ref, ok, err := pickImageRef(r.body)
		if err != nil || !ok {
			return nil, err
		}
		return c.resolveRef(ctx, ref)
	case imageResponse:
		if len(r.body) == 0 {
			return nil, nil
		}
		return &domain.ImageAsset{Bytes: r.body, MIMEType: r.mimeType}, nil
	case rawResponse:
		return decodeRaw(r), nil
	default:
		return nil, fmt.Errorf("unhandled response type %T", resp)
	}
}

type imageRef struct {
	field    string
	value    string
	mimeType string
}

func pickImageRef(body []byte) (imageRef, bool, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return imageRef{}, false, &domain.UpstreamError{
			Backend: domain.BackendWebhook,
			Kind:    domain.UpstreamBadResponse,
			Message: "webhook returned invalid JSON",
			Err:     err,
		}
	}

	if list, ok := doc.([]any); ok {
		if len(list) == 0 {
			return imageRef{}, false, nil
		}
		doc = list[0]
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return imageRef{}, false, nil
	}

	mimeType, _ := obj["mimeType"].(string)
	for _, field := range fieldPriority {
		value, ok := obj[field].(string)
		if !ok {
			continue
		}
		value = cleanRef(value)
		if value == "" {
			continue
		}
		return imageRef{field: field, value: value, mimeType: strings.TrimSpace(mimeType)}, true, nil
	}
	return imageRef{}, false, nil
}

func cleanRef(value string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "`"))
}

func (c *Client) resolveRef(ctx context.Context, ref imageRef) (*domain.ImageAsset, error) {
	switch {
	case codec.IsDataURI(ref.value):
		data, mimeType, err := codec.ToBinary(ref.value)
		if err != nil {
			return nil, badField(ref, err)
		}
		return &domain.ImageAsset{Bytes: data, MIMEType: mimeType}, nil
	case strings.HasPrefix(strings.ToLower(ref.value), "http"):
		return c.download(ctx, ref.value)
	default:
		data, err := codec.DecodeBase64(ref.value)
		if err != nil {
			return nil, badField(ref, err)
		}
		mimeType := ref.mimeType
		if mimeType == "" {
			mimeType = domain.MIMETypePNG
		}
		return &domain.ImageAsset{Bytes: data, MIMEType: mimeType}, nil
	}
}

func badField(ref imageRef, err error) error {
	return &domain.UpstreamError{
		Backend: domain.BackendWebhook,
		Kind:    domain.UpstreamBadResponse,
		Message: fmt.Sprintf("webhook field %q is not a decodable image", ref.field),
		Err:     err,
	}
}

func (c *Client) download(ctx context.Context, url string) (*domain.ImageAsset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamBadResponse, Message: "webhook returned an invalid image url", Err: err}
	}
	req.Header.Set("Accept", "image/*, */*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamNetwork, Err: fmt.Errorf("download result: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamStatus, Status: resp.StatusCode, Message: "result download failed"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamNetwork, Err: fmt.Errorf("read result: %w", err)}
	}
	if len(data) == 0 {
		return nil, nil
	}

	mimeType := codec.BaseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		if sniffed := codec.SniffFormat(data).MIMEType(); sniffed != "" {
			mimeType = sniffed
		} else if mimeType == "" {
			mimeType = domain.MIMETypeOctetStream
		}
	}
	return &domain.ImageAsset{Bytes: data, MIMEType: mimeType, Source: url}, nil
}

func decodeRaw(r rawResponse) *domain.ImageAsset {
	if len(r.body) == 0 {
		return nil
	}
	mimeType := r.declared
	if mimeType == "" {
		mimeType = codec.SniffFormat(r.body).MIMEType()
	}
	if mimeType == "" {
		mimeType = domain.MIMETypeOctetStream
	}
	return &domain.ImageAsset{Bytes: r.body, MIMEType: mimeType}
}

type failureBody struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
}

func classifyFailure(status int, contentType string, body []byte) error {
	mediaType := codec.BaseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)

	if isJSON(mediaType) || (mediaType == "" && len(trimmed) > 0 && trimmed[0] == '{') {
		var fb failureBody
		if err := json.Unmarshal(trimmed, &fb); err == nil {
			kind := domain.UpstreamServer
			if notActivated(fb) {
				kind = domain.UpstreamNotActivated
			}
			message := strings.TrimSpace(fb.Message)
			if message == "" {
				message = fmt.Sprintf("webhook returned status %d", status)
			}
			return &domain.UpstreamError{
				Backend: domain.BackendWebhook,
				Kind:    kind,
				Status:  status,
				Message: message,
				Hint:    strings.TrimSpace(fb.Hint),
			}
		}
	}

	if status >= http.StatusInternalServerError && looksLikeText(mediaType, trimmed) {
		return &domain.UpstreamError{
			Backend: domain.BackendWebhook,
			Kind:    domain.UpstreamMisconfigured,
			Status:  status,
			Message: "webhook returned a server error page",
			Hint:    "check the webhook workflow configuration",
		}
	}

	return &domain.UpstreamError{
		Backend: domain.BackendWebhook,
		Kind:    domain.UpstreamStatus,
		Status:  status,
		Message: fmt.Sprintf("webhook returned status %d", status),
	}
}

func notActivated(fb failureBody) bool {
	message := strings.ToLower(fb.Message)
	hint := strings.ToLower(fb.Hint)
	return strings.Contains(message, "not registered") ||
		strings.Contains(message, "not active") ||
		strings.Contains(hint, "execute workflow") ||
		strings.Contains(hint, "activate")
}

func looksLikeText(mediaType string, body []byte) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	return len(body) > 0 && body[0] == '<'
}
