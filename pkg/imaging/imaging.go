package imaging

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	// Register the pixel formats the pipeline accepts.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/cuemby/imagegend/pkg/types"
)

// resolutionEdge maps a resolution class to the pixel length of the long edge
var resolutionEdge = map[types.Resolution]int{
	types.Resolution1K: 1024,
	types.Resolution2K: 2048,
	types.Resolution4K: 4096,
}

// ratioParts maps an aspect ratio to its width:height proportions
var ratioParts = map[types.AspectRatio]struct{ w, h int }{
	types.AspectRatioSquare:          {1, 1},
	types.AspectRatioWide:            {16, 9},
	types.AspectRatioTall:            {9, 16},
	types.AspectRatioLandscape:       {4, 3},
	types.AspectRatioPortrait:        {3, 4},
	types.AspectRatioClassicPortrait: {2, 3},
}

// Dimensions resolves an aspect ratio and resolution class into concrete
// pixel dimensions. The long edge takes the class size and the short edge
// follows the ratio; alignment to a multiple of 8 is applied last, once.
func Dimensions(ratio types.AspectRatio, res types.Resolution) (width, height int, err error) {
	edge, ok := resolutionEdge[res]
	if !ok {
		return 0, 0, fmt.Errorf("unsupported resolution class: %s", res)
	}
	parts, ok := ratioParts[ratio]
	if !ok {
		return 0, 0, fmt.Errorf("unsupported aspect ratio: %s", ratio)
	}

	if parts.w >= parts.h {
		width = edge
		height = edge * parts.h / parts.w
	} else {
		height = edge
		width = edge * parts.w / parts.h
	}

	return alignDown8(width), alignDown8(height), nil
}

// alignDown8 rounds n down to the nearest positive multiple of 8
func alignDown8(n int) int {
	aligned := n - n%8
	if aligned < 8 {
		aligned = 8
	}
	return aligned
}

// Info describes a decoded image payload
type Info struct {
	Width  int
	Height int
	MIME   string
	Ext    string
}

// Probe decodes the header of an image payload and reports its dimensions
// and content type. Payloads that do not parse as PNG, JPEG, or WebP fail.
func Probe(data []byte) (*Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("decoded image has invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}

	mime, ext := contentTypeForFormat(format)
	if mime == "" {
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}

	return &Info{
		Width:  cfg.Width,
		Height: cfg.Height,
		MIME:   mime,
		Ext:    ext,
	}, nil
}

func contentTypeForFormat(format string) (mime, ext string) {
	switch format {
	case "png":
		return "image/png", "png"
	case "jpeg":
		return "image/jpeg", "jpg"
	case "webp":
		return "image/webp", "webp"
	default:
		return "", ""
	}
}

// MIMEForExt maps a file extension to its content type for downloads
func MIMEForExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// ExtForMIME maps a content type to the extension persisted files use
func ExtForMIME(mime string) string {
	switch strings.ToLower(mime) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}
