package codec

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/dunamismax/zyncut/internal/domain"
)

const dataScheme = "data:"

// ToBinary decodes a data URI into its payload and declared media type.
func ToBinary(uri string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: data uri has no payload separator", domain.ErrDecoding)
	}
	if !strings.HasPrefix(strings.ToLower(header), dataScheme) {
		return nil, "", fmt.Errorf("%w: data uri header must start with %q", domain.ErrDecoding, dataScheme)
	}

	mimeType, isBase64, err := parseHeader(header[len(dataScheme):])
	if err != nil {
		return nil, "", err
	}

	if isBase64 {
		data, err := DecodeBase64(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: base64 payload: %v", domain.ErrDecoding, err)
		}
		return data, mimeType, nil
	}

	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: percent-encoded payload: %v", domain.ErrDecoding, err)
	}
	return []byte(text), mimeType, nil
}

// ToDataURI is the left inverse of ToBinary.
func ToDataURI(data []byte, mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = domain.MIMETypeOctetStream
	}
	return dataScheme + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// IsDataURI reports whether s looks like a data URI.
func IsDataURI(s string) bool {
	return len(s) >= len(dataScheme) && strings.EqualFold(s[:len(dataScheme)], dataScheme)
}

func parseHeader(header string) (string, bool, error) {
	segments := strings.Split(header, ";")
	isBase64 := false
	params := segments[1:]
	if n := len(params); n > 0 && strings.EqualFold(strings.TrimSpace(params[n-1]), "base64") {
		isBase64 = true
		params = params[:n-1]
	}

	mediaType := strings.TrimSpace(segments[0])
	if mediaType == "" {
		return domain.MIMETypeOctetStream, isBase64, nil
	}

	parsed, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return "", false, fmt.Errorf("%w: media type %q: %v", domain.ErrDecoding, mediaType, err)
	}
	if !strings.Contains(parsed, "/") {
		return "", false, fmt.Errorf("%w: media type %q has no subtype", domain.ErrDecoding, mediaType)
	}
	for _, param := range params {
		if !strings.Contains(param, "=") {
			return "", false, fmt.Errorf("%w: malformed header parameter %q", domain.ErrDecoding, param)
		}
	}
	return strings.Join(append([]string{mediaType}, params...), ";"), isBase64, nil
}

// DecodeBase64 accepts padded or unpadded standard base64, tolerating
// whitespace and percent-escaped characters.
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)

	if strings.ContainsRune(payload, '%') {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, err
		}
		payload = unescaped
	}

	if strings.HasSuffix(payload, "=") || len(payload)%4 == 0 {
		return base64.StdEncoding.DecodeString(payload)
	}
	return base64.RawStdEncoding.DecodeString(payload)
}
