package img

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Image is a single-channel intensity map stored row-major.
type Image struct {
	W, H int
	Pix  []float64
}

// New allocates a zeroed image of the given dimensions.
func New(w, h int) *Image {
	return &Image{W: w, H: h, Pix: make([]float64, w*h)}
}

// At returns the value at (x, y). Out-of-bounds reads return 0.
func (im *Image) At(x, y int) float64 {
	if x < 0 || x >= im.W || y < 0 || y >= im.H {
		return 0
	}
	return im.Pix[y*im.W+x]
}

// Set writes the value at (x, y). Out-of-bounds writes are ignored.
func (im *Image) Set(x, y int, v float64) {
	if x < 0 || x >= im.W || y < 0 || y >= im.H {
		return
	}
	im.Pix[y*im.W+x] = v
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := New(im.W, im.H)
	copy(out.Pix, im.Pix)
	return out
}

// Sum returns the total intensity.
func (im *Image) Sum() float64 {
	s := 0.0
	for _, v := range im.Pix {
		s += v
	}
	return s
}

// Centroid returns the intensity-weighted center of mass in pixel
// coordinates. A zero-flux image reports its geometric center.
func (im *Image) Centroid() (cx, cy float64) {
	var sum, sx, sy float64
	for y := 0; y < im.H; y++ {
		for x := 0; x < im.W; x++ {
			v := im.Pix[y*im.W+x]
			sum += v
			sx += v * float64(x)
			sy += v * float64(y)
		}
	}
	if sum == 0 {
		return float64(im.W-1) / 2, float64(im.H-1) / 2
	}
	return sx / sum, sy / sum
}

// Bilinear samples the image at a fractional position. Samples outside
// the frame are treated as zero.
func (im *Image) Bilinear(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)
	v00 := im.At(x0, y0)
	v10 := im.At(x0+1, y0)
	v01 := im.At(x0, y0+1)
	v11 := im.At(x0+1, y0+1)
	return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
}

// Crop cuts a size x size stamp centered as closely as possible on
// (cx, cy). Crops that would extend past the frame are shifted back
// inside; the returned offsets record the stamp's true origin in
// full-frame coordinates so positions can be translated back later.
func (im *Image) Crop(cx, cy float64, size int) (stamp *Image, offsetX, offsetY int) {
	offsetX = clampInt(int(math.Round(cx))-size/2, 0, maxInt(im.W-size, 0))
	offsetY = clampInt(int(math.Round(cy))-size/2, 0, maxInt(im.H-size, 0))
	stamp = New(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			stamp.Pix[y*size+x] = im.At(offsetX+x, offsetY+y)
		}
	}
	return stamp, offsetX, offsetY
}

// Region copies the w x h rectangle with origin (x0, y0).
func (im *Image) Region(x0, y0, w, h int) *Image {
	out := New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = im.At(x0+x, y0+y)
		}
	}
	return out
}

// Rotate180 returns the image rotated by 180 degrees.
func (im *Image) Rotate180() *Image {
	out := New(im.W, im.H)
	n := len(im.Pix)
	for i := 0; i < n; i++ {
		out.Pix[n-1-i] = im.Pix[i]
	}
	return out
}

// Shift returns the image translated by an integer offset, zero-filled.
func (im *Image) Shift(dx, dy int) *Image {
	out := New(im.W, im.H)
	for y := 0; y < im.H; y++ {
		for x := 0; x < im.W; x++ {
			out.Set(x+dx, y+dy, im.Pix[y*im.W+x])
		}
	}
	return out
}

// ReadTextFile loads a whitespace-separated text image: one row of
// float values per line. All rows must have equal length.
func ReadTextFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, fstr := range fields {
			v, err := strconv.ParseFloat(fstr, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d: %w", path, len(rows), err)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("%s: ragged row %d (%d values, want %d)", path, len(rows), len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: empty image", path)
	}

	im := New(len(rows[0]), len(rows))
	for y, row := range rows {
		copy(im.Pix[y*im.W:(y+1)*im.W], row)
	}
	return im, nil
}

// WriteTextFile writes the image in the same text format ReadTextFile
// accepts.
func WriteTextFile(path string, im *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for y := 0; y < im.H; y++ {
		for x := 0; x < im.W; x++ {
			if x > 0 {
				if _, err := w.WriteString(" "); err != nil {
					return err
				}
			}
			if _, err := w.WriteString(strconv.FormatFloat(im.Pix[y*im.W+x], 'g', -1, 64)); err != nil {
				return err
			}
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
