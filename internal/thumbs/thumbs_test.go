package thumbs

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGenerateFitsWithinBounds(t *testing.T) {
	out, err := Generate(bytes.NewReader(pngBytes(t, 1200, 600)), MaxSize)
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 400, cfg.Width)
	assert.Equal(t, 200, cfg.Height)
}

func TestGenerateRejectsNonImage(t *testing.T) {
	_, err := Generate(bytes.NewReader([]byte("plain text")), MaxSize)
	assert.Error(t, err)
}

func TestOrientationWithoutExif(t *testing.T) {
	assert.Equal(t, 1, Orientation(bytes.NewReader(pngBytes(t, 4, 4))))
}

func TestApplyOrientationSwapsAxes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 30, 10))
	for _, o := range []int{5, 6, 7, 8} {
		b := applyOrientation(img, o).Bounds()
		assert.Equal(t, 10, b.Dx(), "orientation %d", o)
		assert.Equal(t, 30, b.Dy(), "orientation %d", o)
	}
	assert.Equal(t, 30, applyOrientation(img, 3).Bounds().Dx())
}

func TestCacheMemoizes(t *testing.T) {
	src := pngBytes(t, 50, 50)
	opens := 0
	open := func(ctx context.Context) (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader(src)), nil
	}

	c := NewCache(8, time.Minute)
	first, err := c.Get(context.Background(), "a.png", open)
	require.NoError(t, err)
	second, err := c.Get(context.Background(), "a.png", open)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, opens)

	uncached := NewCache(0, 0)
	_, err = uncached.Get(context.Background(), "a.png", open)
	require.NoError(t, err)
	_, err = uncached.Get(context.Background(), "a.png", open)
	require.NoError(t, err)
	assert.Equal(t, 3, opens)
}

func TestCacheOpenError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewCache(1, time.Minute).Get(context.Background(), "k", func(context.Context) (io.ReadCloser, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}
