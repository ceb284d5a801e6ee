// Package thumbs renders JPEG thumbnails for stored images.
package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"time"

	"github.com/disintegration/imaging"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rwcarlsen/goexif/exif"
)

const (
	MaxSize = 400
	Quality = 80

	// maxSource bounds how much of an original is read into memory.
	maxSource = 32 << 20
)

// Generate reads an image, applies its EXIF orientation and fits it within
// size x size preserving aspect ratio.
func Generate(r io.Reader, size int) ([]byte, error) {
	src, err := io.ReadAll(io.LimitReader(r, maxSource+1))
	if err != nil {
		return nil, err
	}
	if len(src) > maxSource {
		return nil, fmt.Errorf("image larger than %d bytes", maxSource)
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = applyOrientation(img, Orientation(bytes.NewReader(src)))
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Orientation returns the EXIF orientation tag, 1 when absent.
func Orientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Source opens the original bytes of a stored file.
type Source func(ctx context.Context) (io.ReadCloser, error)

// Cache memoizes thumbnails by storage key. Stored objects are never
// overwritten, so entries only age out.
type Cache struct {
	lru  *expirable.LRU[string, []byte]
	size int
}

// NewCache creates a cache holding up to entries thumbnails. entries <= 0
// disables memoization.
func NewCache(entries int, ttl time.Duration) *Cache {
	c := &Cache{size: MaxSize}
	if entries > 0 {
		c.lru = expirable.NewLRU[string, []byte](entries, nil, ttl)
	}
	return c
}

// Get returns the thumbnail for key, rendering it from open on a miss.
func (c *Cache) Get(ctx context.Context, key string, open Source) ([]byte, error) {
	if c.lru != nil {
		if b, ok := c.lru.Get(key); ok {
			return b, nil
		}
	}
	rc, err := open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := Generate(rc, c.size)
	if err != nil {
		return nil, err
	}
	if c.lru != nil {
		c.lru.Add(key, b)
	}
	return b, nil
}
