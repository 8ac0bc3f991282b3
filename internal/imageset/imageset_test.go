package imageset

import (
	"image"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/jnyjxn/angiogen-render/internal/blob"
)

func gradient(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x >= w/4 && x < 3*w/4 {
				img.Pix[y*img.Stride+x] = uint8(20 + (x*200)/w)
			}
		}
	}
	return img
}

// TestSaveArchiveAndPNG checks archive contents and PNG side files.
func TestSaveArchiveAndPNG(t *testing.T) {
	store := blob.LocalFS{Root: t.TempDir()}

	var c Collection
	c.Add("0.0_0.0", gradient(8, 4), nil)
	c.Add("10.0_0.0", gradient(8, 4), make([]float32, 32))

	written, err := c.Save(store, SaveOptions{
		Archive:  filepath.Join("case1", "ims.msgpack.gz"),
		Compress: true,
		PNG:      true,
		PNGStem:  "ims",
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("written = %v, want archive + 2 pngs", written)
	}
	if written[1] != filepath.Join("case1", "ims_0.0_0.0.png") {
		t.Fatalf("png path = %q", written[1])
	}

	f, err := store.Open(written[0])
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	a, err := ReadArchive(f, true)
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}
	if len(a.Images) != 2 || a.Images[0].Name != "0.0_0.0" || a.Images[1].Name != "10.0_0.0" {
		t.Fatalf("archive images = %+v", a.Images)
	}
	if a.Images[0].Width != 8 || a.Images[0].Height != 4 || len(a.Images[0].Pixels) != 32 {
		t.Fatalf("image shape = %dx%d (%d px)", a.Images[0].Width, a.Images[0].Height, len(a.Images[0].Pixels))
	}
	if len(a.Images[1].Depth) != 32 {
		t.Fatalf("depth len = %d, want 32", len(a.Images[1].Depth))
	}

	pf, err := store.Open(written[2])
	if err != nil {
		t.Fatalf("open png: %v", err)
	}
	defer pf.Close()
	decoded, err := png.Decode(pf)
	if err != nil {
		t.Fatalf("png decode: %v", err)
	}
	if decoded.Bounds().Dx() != 8 {
		t.Fatalf("png width = %d", decoded.Bounds().Dx())
	}
}

// TestAddCopiesSubImage checks Add copies only the image bounds.
func TestAddCopiesSubImage(t *testing.T) {
	src := gradient(8, 8)
	sub := src.SubImage(image.Rect(2, 2, 6, 4)).(*image.Gray)

	var c Collection
	c.Add("sub", sub, nil)
	src.Pix[2*src.Stride+2] = 255

	img := c.images[0]
	if img.Width != 4 || img.Height != 2 || len(img.Pixels) != 8 {
		t.Fatalf("shape = %dx%d (%d px)", img.Width, img.Height, len(img.Pixels))
	}
	if img.Pixels[0] == 255 {
		t.Fatal("collection aliases source pixels")
	}
}

// TestResizeKeepsMaximum verifies intensity renormalisation after resampling.
func TestResizeKeepsMaximum(t *testing.T) {
	src := gradient(64, 64)
	_, maxBefore := nonZeroRange(src)

	dst := Resize(src, 16, 16)
	if dst.Bounds().Dx() != 16 || dst.Bounds().Dy() != 16 {
		t.Fatalf("bounds = %v", dst.Bounds())
	}
	_, maxAfter := nonZeroRange(dst)
	if maxAfter != maxBefore {
		t.Fatalf("max = %d, want %d", maxAfter, maxBefore)
	}
	lo, _ := nonZeroRange(src)
	for _, v := range dst.Pix {
		if v != 0 && v < lo {
			t.Fatalf("value %d below input minimum %d survived", v, lo)
		}
	}
}

// TestResizeBlank checks an all-zero image stays blank.
func TestResizeBlank(t *testing.T) {
	dst := Resize(image.NewGray(image.Rect(0, 0, 10, 10)), 5, 5)
	for _, v := range dst.Pix {
		if v != 0 {
			t.Fatal("blank image gained intensity")
		}
	}
}
