// Package imaging prepares screenshots for model requests.
package imaging

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// DefaultJPEGQuality balances legibility of small text against request size.
const DefaultJPEGQuality = 80

// Downscale decodes a screenshot, shrinks it to at most maxWidth pixels wide
// (keeping aspect ratio) and re-encodes it as JPEG. Images already narrow
// enough are only re-encoded.
func Downscale(data []byte, maxWidth int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(DefaultJPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
