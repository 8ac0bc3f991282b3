// Package imageset collects the views rendered for one view set and persists them
// as a msgpack archive with optional PNG copies.
package imageset

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"image"
	"image/png"
	"io"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/image/draw"

	"github.com/jnyjxn/angiogen-render/internal/blob"
)

// Image is one named view in an archive.
type Image struct {
	Name   string    `msgpack:"name"`
	Width  int       `msgpack:"width"`
	Height int       `msgpack:"height"`
	Pixels []byte    `msgpack:"pixels"`
	Depth  []float32 `msgpack:"depth,omitempty"`
}

// Gray returns the view as an image.
func (i Image) Gray() *image.Gray {
	return &image.Gray{Pix: i.Pixels, Stride: i.Width, Rect: image.Rect(0, 0, i.Width, i.Height)}
}

// Archive is the on-disk form of a collection.
type Archive struct {
	Images []Image `msgpack:"images"`
}

// Collection keeps images in insertion order.
type Collection struct {
	images []Image
}

// Add appends a view. Depth may be nil.
func (c *Collection) Add(name string, img *image.Gray, depth []float32) {
	b := img.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		pix = append(pix, img.Pix[off:off+b.Dx()]...)
	}
	c.images = append(c.images, Image{
		Name:   name,
		Width:  b.Dx(),
		Height: b.Dy(),
		Pixels: pix,
		Depth:  depth,
	})
}

func (c *Collection) Len() int { return len(c.images) }

// SaveOptions controls what Save writes.
type SaveOptions struct {
	Archive  string // archive path relative to the store root
	Compress bool
	PNG      bool
	PNGStem  string // PNG files are <PNGStem>_<name>.png beside the archive
}

// Save writes the archive (and PNGs) and returns the relative paths written.
func (c *Collection) Save(store blob.LocalFS, opts SaveOptions) ([]string, error) {
	var buf bytes.Buffer
	if err := WriteArchive(&buf, Archive{Images: c.images}, opts.Compress); err != nil {
		return nil, err
	}
	key, err := store.Put(opts.Archive, &buf)
	if err != nil {
		return nil, fmt.Errorf("store archive: %w", err)
	}
	written := []string{key}

	if !opts.PNG {
		return written, nil
	}
	dir := filepath.Dir(opts.Archive)
	for _, img := range c.images {
		var pbuf bytes.Buffer
		if err := png.Encode(&pbuf, img.Gray()); err != nil {
			return written, fmt.Errorf("encode %s: %w", img.Name, err)
		}
		key, err := store.Put(filepath.Join(dir, fmt.Sprintf("%s_%s.png", opts.PNGStem, img.Name)), &pbuf)
		if err != nil {
			return written, fmt.Errorf("store png: %w", err)
		}
		written = append(written, key)
	}
	return written, nil
}

// WriteArchive encodes a as msgpack, gzip-compressed when compress is set.
func WriteArchive(w io.Writer, a Archive, compress bool) error {
	if !compress {
		return msgpack.NewEncoder(w).Encode(a)
	}
	zw := gzip.NewWriter(w)
	if err := msgpack.NewEncoder(zw).Encode(a); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadArchive decodes an archive written by WriteArchive.
func ReadArchive(r io.Reader, compressed bool) (Archive, error) {
	if compressed {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return Archive{}, err
		}
		defer zr.Close()
		r = zr
	}
	var a Archive
	if err := msgpack.NewDecoder(r).Decode(&a); err != nil {
		return Archive{}, err
	}
	return a, nil
}

// Resize scales img to width x height with Catmull-Rom resampling, then rescales the
// intensities so the maximum is preserved and zeroes values below the smallest
// non-zero input intensity.
func Resize(img *image.Gray, width, height int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	minBefore, maxBefore := nonZeroRange(img)
	if maxBefore == 0 {
		return dst
	}
	var maxAfter uint8
	for _, v := range dst.Pix {
		maxAfter = max(maxAfter, v)
	}
	if maxAfter == 0 {
		return dst
	}

	scale := float64(maxBefore) / float64(maxAfter)
	for i, v := range dst.Pix {
		s := float64(v) * scale
		switch {
		case s < float64(minBefore):
			dst.Pix[i] = 0
		case s > 255:
			dst.Pix[i] = 255
		default:
			dst.Pix[i] = uint8(s + 0.5)
		}
	}
	return dst
}

func nonZeroRange(img *image.Gray) (lo, hi uint8) {
	lo = 255
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		for _, v := range img.Pix[off : off+b.Dx()] {
			if v == 0 {
				continue
			}
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	if hi == 0 {
		lo = 0
	}
	return lo, hi
}
