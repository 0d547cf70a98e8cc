package img

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestAtSetBounds(t *testing.T) {
	im := New(4, 3)
	im.Set(2, 1, 5)
	if got := im.At(2, 1); got != 5 {
		t.Fatalf("At = %g, want 5", got)
	}
	if got := im.At(-1, 0); got != 0 {
		t.Fatalf("out of bounds read = %g, want 0", got)
	}
	im.Set(10, 10, 7) // must not panic or write
	for _, v := range im.Pix {
		if v == 7 {
			t.Fatal("out of bounds write landed")
		}
	}
}

func TestCentroid(t *testing.T) {
	im := New(10, 10)
	im.Set(3, 7, 2)
	cx, cy := im.Centroid()
	if cx != 3 || cy != 7 {
		t.Fatalf("centroid (%g, %g), want (3, 7)", cx, cy)
	}

	empty := New(10, 10)
	cx, cy = empty.Centroid()
	if cx != 4.5 || cy != 4.5 {
		t.Fatalf("zero flux centroid (%g, %g), want geometric center", cx, cy)
	}
}

func TestBilinear(t *testing.T) {
	im := New(2, 2)
	im.Set(0, 0, 0)
	im.Set(1, 0, 1)
	im.Set(0, 1, 2)
	im.Set(1, 1, 3)
	if got := im.Bilinear(0.5, 0.5); math.Abs(got-1.5) > 1e-12 {
		t.Fatalf("Bilinear(0.5, 0.5) = %g, want 1.5", got)
	}
	if got := im.Bilinear(-5, -5); got != 0 {
		t.Fatalf("outside sample = %g, want 0", got)
	}
}

func TestCropClampsAtEdges(t *testing.T) {
	im := New(100, 100)
	im.Set(5, 95, 1)

	stamp, offX, offY := im.Crop(5, 95, 20)
	if offX != 0 || offY != 80 {
		t.Fatalf("offsets (%d, %d), want (0, 80)", offX, offY)
	}
	if stamp.At(5-offX, 95-offY) != 1 {
		t.Fatal("marked pixel lost in crop")
	}
}

func TestCropCentered(t *testing.T) {
	im := New(100, 100)
	stamp, offX, offY := im.Crop(50, 50, 20)
	if offX != 40 || offY != 40 {
		t.Fatalf("offsets (%d, %d), want (40, 40)", offX, offY)
	}
	if stamp.W != 20 || stamp.H != 20 {
		t.Fatalf("stamp %dx%d", stamp.W, stamp.H)
	}
}

func TestRotate180(t *testing.T) {
	im := New(3, 2)
	for i := range im.Pix {
		im.Pix[i] = float64(i)
	}
	rot := im.Rotate180()
	for i := range im.Pix {
		if rot.Pix[len(im.Pix)-1-i] != im.Pix[i] {
			t.Fatalf("rotation mismatch at %d", i)
		}
	}
	back := rot.Rotate180()
	for i := range im.Pix {
		if back.Pix[i] != im.Pix[i] {
			t.Fatal("double rotation is not identity")
		}
	}
}

func TestShift(t *testing.T) {
	im := New(5, 5)
	im.Set(2, 2, 1)
	sh := im.Shift(1, -1)
	if sh.At(3, 1) != 1 {
		t.Fatal("shifted pixel not at (3, 1)")
	}
	if sh.Sum() != 1 {
		t.Fatalf("shift changed flux: %g", sh.Sum())
	}
}

func TestTextFileRoundTrip(t *testing.T) {
	im := New(3, 2)
	for i := range im.Pix {
		im.Pix[i] = float64(i) * 0.25
	}
	path := filepath.Join(t.TempDir(), "image.txt")
	if err := WriteTextFile(path, im); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadTextFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.W != im.W || got.H != im.H {
		t.Fatalf("dimensions %dx%d, want %dx%d", got.W, got.H, im.W, im.H)
	}
	for i := range im.Pix {
		if got.Pix[i] != im.Pix[i] {
			t.Fatalf("pixel %d: %g != %g", i, got.Pix[i], im.Pix[i])
		}
	}
}

func TestReadTextFileRejectsRaggedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragged.txt")
	if err := os.WriteFile(path, []byte("1 2 3\n4 5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadTextFile(path); err == nil {
		t.Fatal("expected error for ragged rows")
	}
}

func TestDirProvider(t *testing.T) {
	dir := t.TempDir()
	im := New(2, 2)
	im.Set(0, 1, 3)
	name := "lsst_a_9005000_f1_R22_S11_E000.txt"
	if err := WriteTextFile(filepath.Join(dir, name), im); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := DirProvider{Dir: dir}
	got, err := p.Calibrated(9005000, "R22_S11", 0)
	if err != nil {
		t.Fatalf("calibrated: %v", err)
	}
	if got.At(0, 1) != 3 {
		t.Fatal("wrong image content")
	}

	if _, err := p.Calibrated(9005000, "R22_S10", 0); err == nil {
		t.Fatal("expected error for unknown detector")
	}
	if _, err := p.Calibrated(9005000, "R22_S11", 1); err == nil {
		t.Fatal("expected error for missing snap")
	}
}

func TestDirProviderMatchesWholeFields(t *testing.T) {
	dir := t.TempDir()
	long := New(2, 2)
	long.Set(0, 0, 1)
	short := New(2, 2)
	short.Set(0, 0, 2)
	corner := New(2, 2)
	corner.Set(0, 0, 3)
	files := map[string]*Image{
		"lsst_a_9005000_f1_R22_S11_E000.txt": long,
		"lsst_a_900_f1_R22_S11_E000.txt":     short,
		"lsst_a_900_f1_R00_S22_C0_E000.txt":  corner,
	}
	for name, im := range files {
		if err := WriteTextFile(filepath.Join(dir, name), im); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	p := DirProvider{Dir: dir}
	// Visit 900 is a substring of 9005000 but must only match its own
	// file.
	got, err := p.Calibrated(900, "R22_S11", 0)
	if err != nil {
		t.Fatalf("calibrated: %v", err)
	}
	if got.At(0, 0) != 2 {
		t.Fatalf("visit 900 read pixel %g, want 2", got.At(0, 0))
	}
	got, err = p.Calibrated(9005000, "R22_S11", 0)
	if err != nil {
		t.Fatalf("calibrated: %v", err)
	}
	if got.At(0, 0) != 1 {
		t.Fatalf("visit 9005000 read pixel %g, want 1", got.At(0, 0))
	}
	// A science key must not pick up a corner half-chip and vice versa.
	if _, err := p.Calibrated(900, "R00_S22", 0); err == nil {
		t.Fatal("science key matched a corner half-chip file")
	}
	got, err = p.Calibrated(900, "R00_S22_C0", 0)
	if err != nil {
		t.Fatalf("corner calibrated: %v", err)
	}
	if got.At(0, 0) != 3 {
		t.Fatalf("corner read pixel %g, want 3", got.At(0, 0))
	}
}

func TestMapProvider(t *testing.T) {
	mp := MapProvider{}
	im := New(1, 1)
	mp[MapKey(7, "R00_S22_C0", 0)] = im
	got, err := mp.Calibrated(7, "R00_S22_C0", 0)
	if err != nil || got != im {
		t.Fatalf("lookup failed: %v", err)
	}
	if _, err := mp.Calibrated(8, "R00_S22_C0", 0); err == nil {
		t.Fatal("expected error for unknown visit")
	}
}
