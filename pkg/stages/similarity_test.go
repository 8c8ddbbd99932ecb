package stages

import (
	"image/color"
	"testing"

	"github.com/polisai/framepipe/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSIM_IdenticalFramesScoreOne(t *testing.T) {
	env := gradientFrame(t, 64, 48)
	a, _, err := codec.DecodeImage("a", env)
	require.NoError(t, err)
	b, _, err := codec.DecodeImage("b", env)
	require.NoError(t, err)

	score, err := SSIM{Width: 32}.Score(a, b)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

func TestSSIM_DissimilarFramesScoreLow(t *testing.T) {
	black, _, err := codec.DecodeImage("a", solidFrame(t, 40, 30, color.Black))
	require.NoError(t, err)
	white, _, err := codec.DecodeImage("b", solidFrame(t, 80, 60, color.White))
	require.NoError(t, err)

	score, err := SSIM{Width: DefaultSSIMWidth}.Score(black, white)
	require.NoError(t, err)
	assert.Less(t, score, 0.01)
}

func TestUniform_SeededSequence(t *testing.T) {
	a, b := NewUniform(42), NewUniform(42)
	for i := 0; i < 5; i++ {
		sa, _ := a.Score(nil, nil)
		sb, _ := b.Score(nil, nil)
		assert.Equal(t, sa, sb)
		assert.GreaterOrEqual(t, sa, 0.0)
		assert.Less(t, sa, 1.0)
	}
}

func TestNewSimilarity(t *testing.T) {
	s, err := NewSimilarity("", 1)
	require.NoError(t, err)
	assert.IsType(t, SSIM{}, s)

	s, err = NewSimilarity("UNIFORM", 1)
	require.NoError(t, err)
	assert.IsType(t, &Uniform{}, s)

	_, err = NewSimilarity("histogram", 1)
	assert.Error(t, err)
}
