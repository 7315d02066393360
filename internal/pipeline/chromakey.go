package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/rs/zerolog"
)

// Decoder turns encoded image bytes into pixels.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// ChromaKey makes the neon green backdrop produced by the generative model
// transparent. Results from the webhook pass through it too, so every output
// is a PNG with an alpha channel.
type ChromaKey struct {
	decoder Decoder
	logger  zerolog.Logger
}

func NewChromaKey(logger zerolog.Logger) (*ChromaKey, error) {
	decoder, err := newDecoder()
	if err != nil {
		return nil, fmt.Errorf("build decoder: %w", err)
	}
	return &ChromaKey{decoder: decoder, logger: logger}, nil
}

// Decloak never fails. When the input cannot be decoded or re-encoded it is
// returned unchanged.
func (c *ChromaKey) Decloak(asset domain.ImageAsset) domain.ImageAsset {
	src, err := c.decoder.Decode(asset.Bytes)
	if err != nil {
		c.logger.Warn().Err(err).Str("mime_type", asset.MIMEType).Msg("chroma key: decode failed, passing input through")
		return asset
	}

	keyed := toNRGBA(src)
	keyGreen(keyed)

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, keyed); err != nil {
		c.logger.Warn().Err(err).Msg("chroma key: encode failed, passing input through")
		return asset
	}

	return domain.ImageAsset{
		Bytes:    buf.Bytes(),
		MIMEType: domain.MIMETypePNG,
		Filename: domain.DownloadFilename,
		Source:   asset.Source,
	}
}

// isKeyGreen is the keying predicate: clearly green and dominant over both
// red and blue by a factor of 1.4.
func isKeyGreen(r, g, b uint8) bool {
	return g > 100 && float64(g) > 1.4*float64(r) && float64(g) > 1.4*float64(b)
}

func keyGreen(img *image.NRGBA) {
	bounds := img.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+bounds.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			if isKeyGreen(row[i], row[i+1], row[i+2]) {
				row[i+3] = 0
			}
		}
	}
}

// toNRGBA copies src into a fresh non-premultiplied buffer anchored at the
// origin. Channel values of transparent pixels survive the copy, which keeps
// a second keying pass byte-identical to the first.
func toNRGBA(src image.Image) *image.NRGBA {
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	if nrgba, ok := src.(*image.NRGBA); ok {
		for y := 0; y < bounds.Dy(); y++ {
			start := nrgba.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+bounds.Dx()*4], nrgba.Pix[start:start+bounds.Dx()*4])
		}
		return dst
	}

	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}
