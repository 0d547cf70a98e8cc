package focalplane

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseName(t *testing.T) {
	n, err := ParseName("R:2,2 S:1,1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Name{Raft0: 2, Raft1: 2, Sensor0: 1, Sensor1: 1}
	if diff := cmp.Diff(want, n); diff != "" {
		t.Fatalf("name mismatch (-want +got):\n%s", diff)
	}
	if n.IsCorner() {
		t.Fatal("science sensor reported as corner")
	}
	if got := n.Abbrev(); got != "R22_S11" {
		t.Fatalf("abbrev = %q", got)
	}
	if got := n.String(); got != "R:2,2 S:1,1" {
		t.Fatalf("string = %q", got)
	}
}

func TestParseNameCornerHalves(t *testing.T) {
	a, err := ParseName("R:0,0 S:2,2,A")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !a.IsCorner() || !a.IntraFocal() {
		t.Fatalf("A half flags wrong: %+v", a)
	}
	if got := a.Abbrev(); got != "R00_S22_C0" {
		t.Fatalf("abbrev = %q", got)
	}

	b, err := ParseName("R:4,4 S:0,0,B")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !b.IsCorner() || b.IntraFocal() {
		t.Fatalf("B half flags wrong: %+v", b)
	}
	if got := b.Abbrev(); got != "R44_S00_C1" {
		t.Fatalf("abbrev = %q", got)
	}
}

func TestParseNameRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "R22_S11", "R:2,2", "R:2,2 S:1,1,C", "r:2,2 s:1,1"} {
		if _, err := ParseName(s); err == nil {
			t.Fatalf("ParseName(%q) accepted", s)
		}
	}
}

func TestCornerSensorNames(t *testing.T) {
	names := CornerSensorNames()
	if len(names) != 8 {
		t.Fatalf("got %d corner names, want 8", len(names))
	}
	intra := 0
	for _, s := range names {
		n, err := ParseName(s)
		if err != nil {
			t.Fatalf("corner name %q invalid: %v", s, err)
		}
		if !n.IsCorner() {
			t.Fatalf("%q not a corner half", s)
		}
		if n.IntraFocal() {
			intra++
		}
	}
	if intra != 4 {
		t.Fatalf("%d intra halves, want 4", intra)
	}
}

func TestDetectorPixelFieldRoundTrip(t *testing.T) {
	det, err := NewDetector("R:2,2 S:1,1", 0.1, -0.05, 4000, 4072, 0.2/3600)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	fpX, fpY := det.FieldPosition(123.5, 4000.25)
	px, py := det.PixelPosition(fpX, fpY)
	if math.Abs(px-123.5) > 1e-9 || math.Abs(py-4000.25) > 1e-9 {
		t.Fatalf("round trip gave (%g, %g)", px, py)
	}
}

func TestDetectorContains(t *testing.T) {
	det, err := NewDetector("R:2,2 S:1,1", 0, 0, 4000, 4000, 0.2/3600)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	if !det.Contains(0, 0) {
		t.Fatal("center not contained")
	}
	hw := 2000 * 0.2 / 3600
	if det.Contains(hw*1.01, 0) {
		t.Fatal("point past the edge contained")
	}
}

func TestProjectUnprojectRoundTrip(t *testing.T) {
	p := Pointing{RA: 30, Dec: -10}
	for _, rot := range []float64{0, 45, 90, 123.4} {
		ra, dec := 30.02, -10.01
		fpX, fpY := Project(p, rot, ra, dec)
		gotRA, gotDec := Unproject(p, rot, fpX, fpY)
		if math.Abs(gotRA-ra) > 1e-9 || math.Abs(gotDec-dec) > 1e-9 {
			t.Fatalf("rot %g: round trip gave (%g, %g)", rot, gotRA, gotDec)
		}
	}
}

func TestProjectBoresight(t *testing.T) {
	p := Pointing{RA: 100, Dec: 45}
	fpX, fpY := Project(p, 33, 100, 45)
	if fpX != 0 || fpY != 0 {
		t.Fatalf("boresight projects to (%g, %g), want origin", fpX, fpY)
	}
}

func TestProjectWrapsRA(t *testing.T) {
	p := Pointing{RA: 0, Dec: 0}
	fpX1, _ := Project(p, 0, 359.9, 0)
	fpX2, _ := Project(p, 0, 0.1, 0)
	if math.Abs(fpX1+fpX2) > 1e-12 {
		t.Fatalf("RA wrap asymmetric: %g vs %g", fpX1, fpX2)
	}
	if fpX1 >= 0 {
		t.Fatalf("RA 359.9 should project negative, got %g", fpX1)
	}
}

func TestNewDetectorRejectsBadInput(t *testing.T) {
	if _, err := NewDetector("bogus", 0, 0, 100, 100, 1e-5); err == nil {
		t.Fatal("expected error for bad name")
	}
	if _, err := NewDetector("R:2,2 S:1,1", 0, 0, 0, 100, 1e-5); err == nil {
		t.Fatal("expected error for zero width")
	}
}
