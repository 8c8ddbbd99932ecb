package stages

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/polisai/framepipe/pkg/codec"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/stretchr/testify/require"
)

func solidFrame(t testing.TB, w, h int, c color.Color) domain.Envelope {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return encodeFrame(t, img)
}

func gradientFrame(t testing.TB, w, h int) domain.Envelope {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*255/w + y*255/h) / 2)
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 0xff})
		}
	}
	return encodeFrame(t, img)
}

func encodeFrame(t testing.TB, img image.Image) domain.Envelope {
	t.Helper()
	raw, err := codec.EncodeImage(img, codec.FormatPNG)
	require.NoError(t, err)
	return codec.Encode(raw)
}

// fixedSimilarity returns a preset score.
type fixedSimilarity float64

func (f fixedSimilarity) Score(_, _ image.Image) (float64, error) { return float64(f), nil }

// fakeModel serves canned predictions.
type fakeModel struct {
	classes     int
	predictions []Prediction
	err         error
	seen        [][]byte
}

func (m *fakeModel) Classes(context.Context) (int, error) { return m.classes, m.err }

func (m *fakeModel) Infer(_ context.Context, frame []byte) ([]Prediction, error) {
	m.seen = append(m.seen, frame)
	if m.err != nil {
		return nil, m.err
	}
	return m.predictions, nil
}
