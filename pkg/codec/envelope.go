// Package codec converts frames between their binary form and the base64
// envelope carried inside stage JSON payloads.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	// Registered for image.Decode.
	_ "image/gif"

	"github.com/polisai/framepipe/pkg/domain"
)

// Image formats accepted by EncodeImage.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// ErrEmptyFrame is returned when an envelope carries no bytes.
var ErrEmptyFrame = errors.New("empty frame")

// Encode wraps raw frame bytes into an envelope.
func Encode(raw []byte) domain.Envelope {
	return domain.Envelope(base64.StdEncoding.EncodeToString(raw))
}

// Decode unwraps an envelope. Malformed base64 yields a *domain.CodecError.
func Decode(env domain.Envelope) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(env))
	if err != nil {
		return nil, &domain.CodecError{Err: fmt.Errorf("malformed base64: %w", err)}
	}
	return raw, nil
}

// DecodeField is Decode with the JSON field name attached to the error.
func DecodeField(field string, env domain.Envelope) ([]byte, error) {
	raw, err := Decode(env)
	if err != nil {
		var codecErr *domain.CodecError
		if errors.As(err, &codecErr) {
			codecErr.Field = field
		}
		return nil, err
	}
	return raw, nil
}

// DecodeImage unwraps an envelope and decodes the image container it holds.
// It returns the raw bytes alongside the image so callers can forward them
// without re-encoding.
func DecodeImage(field string, env domain.Envelope) (image.Image, []byte, error) {
	raw, err := DecodeField(field, env)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, &domain.CodecError{Field: field, Err: ErrEmptyFrame}
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, &domain.CodecError{Field: field, Err: fmt.Errorf("undecodable image: %w", err)}
	}
	return img, raw, nil
}

// EncodeImage serialises an image as PNG or JPEG.
func EncodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatPNG, "":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	return buf.Bytes(), nil
}
