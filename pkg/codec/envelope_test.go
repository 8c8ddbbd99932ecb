package codec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Round trip: decode(encode(b)) == b for every buffer.
func TestEnvelopeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOf(rapid.Byte()).Draw(t, "raw")

		decoded, err := Decode(Encode(raw))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(raw, decoded) {
			t.Fatalf("round trip mismatch: %x != %x", raw, decoded)
		}
	})
}

func TestDecode_MalformedBase64(t *testing.T) {
	_, err := DecodeField("cur_frame", domain.Envelope("not base64!!"))
	require.Error(t, err)

	var codecErr *domain.CodecError
	require.True(t, errors.As(err, &codecErr))
	assert.Equal(t, "cur_frame", codecErr.Field)
	assert.True(t, errors.Is(err, domain.ErrCodec))
}

func TestDecodeImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	raw, err := EncodeImage(img, FormatPNG)
	require.NoError(t, err)

	decoded, gotRaw, err := DecodeImage("frame", Encode(raw))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
	assert.Equal(t, raw, gotRaw)
}

func TestDecodeImage_RejectsNonImageBytes(t *testing.T) {
	_, _, err := DecodeImage("frame", Encode([]byte("definitely not a png")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCodec))

	_, _, err = DecodeImage("frame", Encode(nil))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestEncodeImage_Formats(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))

	jpg, err := EncodeImage(img, FormatJPEG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(jpg, []byte{0xFF, 0xD8}))

	_, err = EncodeImage(img, "bmp")
	assert.Error(t, err)
}
