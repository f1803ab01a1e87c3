package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
)

const jpegThumbQuality = 85

// Thumbnail downscales an image so its longest edge is at most maxEdge,
// preserving the aspect ratio. PNG sources stay PNG; everything else is
// re-encoded as JPEG. Returns the encoded bytes and their file extension.
func Thumbnail(data []byte, maxEdge int) ([]byte, string, error) {
	if maxEdge <= 0 {
		return nil, "", fmt.Errorf("thumbnail edge must be positive, got %d", maxEdge)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := resize.Thumbnail(uint(maxEdge), uint(maxEdge), img, resize.Lanczos3)

	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, thumb); err != nil {
			return nil, "", fmt.Errorf("failed to encode thumbnail: %w", err)
		}
		return buf.Bytes(), "png", nil
	default:
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: jpegThumbQuality}); err != nil {
			return nil, "", fmt.Errorf("failed to encode thumbnail: %w", err)
		}
		return buf.Bytes(), "jpg", nil
	}
}
