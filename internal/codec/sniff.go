package codec

import (
	"bytes"
	"mime"
	"strings"
)

type Format string

const (
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
	FormatGIF     Format = "gif"
	FormatWEBP    Format = "webp"
	FormatUnknown Format = "unknown"
)

// sniffLen is the prefix every signature check needs; shorter buffers are
// reported as unknown.
const sniffLen = 12

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gifMagic  = []byte{0x47, 0x49, 0x46, 0x38}
	riffMagic = []byte{0x52, 0x49, 0x46, 0x46}
	webpMagic = []byte{0x57, 0x45, 0x42, 0x50}
)

func SniffFormat(data []byte) Format {
	if len(data) < sniffLen {
		return FormatUnknown
	}
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG
	case bytes.HasPrefix(data, jpegMagic):
		return FormatJPEG
	case bytes.HasPrefix(data, gifMagic):
		return FormatGIF
	case bytes.Equal(data[0:4], riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return FormatWEBP
	default:
		return FormatUnknown
	}
}

// MIMEType returns "" for FormatUnknown.
func (f Format) MIMEType() string {
	switch f {
	case FormatPNG, FormatJPEG, FormatGIF, FormatWEBP:
		return "image/" + string(f)
	default:
		return ""
	}
}

func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatPNG, FormatGIF, FormatWEBP:
		return string(f)
	default:
		return "bin"
	}
}

func FormatFromMIME(contentType string) Format {
	mediaType := BaseMediaType(contentType)
	switch mediaType {
	case "image/png":
		return FormatPNG
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return FormatJPEG
	case "image/gif":
		return FormatGIF
	case "image/webp":
		return FormatWEBP
	default:
		return FormatUnknown
	}
}

// BaseMediaType strips parameters and lower-cases a Content-Type value.
func BaseMediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
