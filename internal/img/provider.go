package img

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Provider supplies calibrated detector images. Instrument signature
// removal happens upstream; implementations only hand back pixel data.
type Provider interface {
	// Calibrated returns the post-calibration image for one exposure.
	// detectorKey is the abbreviated detector name (e.g. "R22_S11" or
	// "R00_S22_C0" for a corner half-chip).
	Calibrated(visit int, detectorKey string, snap int) (*Image, error)
}

// DirProvider serves text-format images from a flat directory. File
// names follow the simulation output convention: the visit number, the
// abbreviated detector name and an exposure suffix "_E00<snap>", e.g.
// "lsst_a_9005000_f1_R22_S11_E000.txt".
type DirProvider struct {
	Dir string
}

// calibratedNameRe captures the visit, detector and snap fields of a
// simulation output name. Matching whole fields keeps visit 900 from
// picking up visit 9005000 and "R22_S11" from picking up a corner
// half-chip "R22_S11_C0".
var calibratedNameRe = regexp.MustCompile(`^\w+_(\d+)_f\w+_(R\d\d_S\d\d(?:_C[01])?)_E00(\d)\.txt$`)

func (p DirProvider) Calibrated(visit int, detectorKey string, snap int) (*Image, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := calibratedNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, _ := strconv.Atoi(m[1])
		sn, _ := strconv.Atoi(m[3])
		if m[2] != detectorKey || sn != snap {
			continue
		}
		if visit > 0 && v != visit {
			continue
		}
		return ReadTextFile(filepath.Join(p.Dir, e.Name()))
	}
	return nil, fmt.Errorf("no calibrated image for visit %d detector %s snap %d in %s", visit, detectorKey, snap, p.Dir)
}

// MapProvider is an in-memory Provider for tests and synthetic runs.
type MapProvider map[string]*Image

// MapKey builds the lookup key used by MapProvider.
func MapKey(visit int, detectorKey string, snap int) string {
	return fmt.Sprintf("%d/%s/%d", visit, detectorKey, snap)
}

func (p MapProvider) Calibrated(visit int, detectorKey string, snap int) (*Image, error) {
	if im, ok := p[MapKey(visit, detectorKey, snap)]; ok {
		return im, nil
	}
	return nil, fmt.Errorf("no calibrated image for visit %d detector %s snap %d", visit, detectorKey, snap)
}
