package focalplane

import (
	"fmt"
	"regexp"
)

// nameRe matches the canonical detector form "R:2,2 S:1,1" with an
// optional ",A"/",B" half-chip suffix used on corner wavefront sensors.
var nameRe = regexp.MustCompile(`^R:(\d),(\d) S:(\d),(\d)(?:,([AB]))?$`)

// Name identifies a detector by raft, sensor and optional half-chip
// channel. Channel "A" is the intra-focal half, "B" the extra-focal
// half.
type Name struct {
	Raft0, Raft1     int
	Sensor0, Sensor1 int
	Channel          string
}

// ParseName parses the canonical detector form. Malformed names are a
// configuration error and rejected outright.
func ParseName(s string) (Name, error) {
	m := nameRe.FindStringSubmatch(s)
	if m == nil {
		return Name{}, fmt.Errorf("invalid detector name %q (want \"R:<r>,<r> S:<s>,<s>[,A|B]\")", s)
	}
	var n Name
	n.Raft0 = int(m[1][0] - '0')
	n.Raft1 = int(m[2][0] - '0')
	n.Sensor0 = int(m[3][0] - '0')
	n.Sensor1 = int(m[4][0] - '0')
	n.Channel = m[5]
	return n, nil
}

// String renders the canonical form.
func (n Name) String() string {
	s := fmt.Sprintf("R:%d,%d S:%d,%d", n.Raft0, n.Raft1, n.Sensor0, n.Sensor1)
	if n.Channel != "" {
		s += "," + n.Channel
	}
	return s
}

// Abbrev renders the compact file-name form, e.g. "R22_S11". Corner
// half-chips carry a channel suffix: A maps to C0 and B to C1, so
// "R:0,0 S:2,2,A" becomes "R00_S22_C0".
func (n Name) Abbrev() string {
	s := fmt.Sprintf("R%d%d_S%d%d", n.Raft0, n.Raft1, n.Sensor0, n.Sensor1)
	switch n.Channel {
	case "A":
		s += "_C0"
	case "B":
		s += "_C1"
	}
	return s
}

// IsCorner reports whether the name addresses a corner wavefront
// sensor half-chip.
func (n Name) IsCorner() bool {
	return n.Channel != ""
}

// IntraFocal reports whether a corner half-chip records the
// intra-focal image.
func (n Name) IntraFocal() bool {
	return n.Channel == "A"
}

// abbrevRe matches the compact file-name form produced by Abbrev.
var abbrevRe = regexp.MustCompile(`^R(\d)(\d)_S(\d)(\d)(?:_C([01]))?$`)

// ParseAbbrev parses the compact file-name form back into a Name, the
// inverse of Abbrev.
func ParseAbbrev(s string) (Name, error) {
	m := abbrevRe.FindStringSubmatch(s)
	if m == nil {
		return Name{}, fmt.Errorf("invalid detector abbreviation %q", s)
	}
	var n Name
	n.Raft0 = int(m[1][0] - '0')
	n.Raft1 = int(m[2][0] - '0')
	n.Sensor0 = int(m[3][0] - '0')
	n.Sensor1 = int(m[4][0] - '0')
	switch m[5] {
	case "0":
		n.Channel = "A"
	case "1":
		n.Channel = "B"
	}
	return n, nil
}

// CornerSensorNames lists the eight corner wavefront sensor half-chips
// in canonical form.
func CornerSensorNames() []string {
	return []string{
		"R:0,0 S:2,2,A", "R:0,0 S:2,2,B",
		"R:0,4 S:2,0,A", "R:0,4 S:2,0,B",
		"R:4,0 S:0,2,A", "R:4,0 S:0,2,B",
		"R:4,4 S:0,0,A", "R:4,4 S:0,0,B",
	}
}
