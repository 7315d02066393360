//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsDecoder handles what the Go decoders cannot, such as HEIF and AVIF
// uploads, by letting libvips transcode to PNG first.
type govipsDecoder struct {
	std stdlibDecoder
}

func (d govipsDecoder) Decode(data []byte) (image.Image, error) {
	if img, err := d.std.Decode(data); err == nil {
		return img, nil
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("decode image with libvips: %w", err)
	}
	defer ref.Close()

	if err := ref.AutoRotate(); err != nil {
		return nil, fmt.Errorf("auto-rotate image: %w", err)
	}

	params := vips.NewPngExportParams()
	params.Compression = 1
	encoded, _, err := ref.ExportPng(params)
	if err != nil {
		return nil, fmt.Errorf("transcode image to png: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode transcoded png: %w", err)
	}
	return img, nil
}
