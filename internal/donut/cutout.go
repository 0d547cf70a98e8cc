// Package donut extracts defocused star images from full-frame
// exposures and separates blended neighbors.
package donut

import (
	"fmt"

	"wavefront/internal/img"
)

// Role labels which side of focus a stamp was exposed on.
type Role int

const (
	RoleIntra Role = iota
	RoleExtra
)

func (r Role) String() string {
	switch r {
	case RoleIntra:
		return "intra"
	case RoleExtra:
		return "extra"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Stamp is a postage-stamp cutout of one donut. Offsets record the
// stamp origin in full-frame pixels; StarX/StarY are the target's
// position inside the stamp.
type Stamp struct {
	Img       *img.Image
	Role      Role
	OffsetX   int
	OffsetY   int
	StarX     float64
	StarY     float64
	Deblended bool
	// Inconsistent carries the deblend flux-ratio warning.
	Inconsistent bool
}

// FramePosition translates a stamp coordinate back to the full frame.
func (s *Stamp) FramePosition(x, y float64) (fx, fy float64) {
	return x + float64(s.OffsetX), y + float64(s.OffsetY)
}

// Extract cuts a size x size stamp around the target star. The crop is
// shifted to stay inside the frame, so the star is not necessarily at
// the stamp center; StarX/StarY carry its true in-stamp position.
func Extract(frame *img.Image, role Role, starX, starY float64, size int) *Stamp {
	im, offX, offY := frame.Crop(starX, starY, size)
	return &Stamp{
		Img:     im,
		Role:    role,
		OffsetX: offX,
		OffsetY: offY,
		StarX:   starX - float64(offX),
		StarY:   starY - float64(offY),
	}
}

// Pair collects the two defocused images of one target star. On
// science rafts the pair comes from two exposures of the same
// detector; on corner sensors the halves come from the two half-chips.
type Pair struct {
	StarID   int64
	Detector string
	// FieldX/FieldY locate the star on the focal plane in degrees.
	FieldX float64
	FieldY float64
	Intra  *Stamp
	Extra  *Stamp
}

// Complete reports whether both defocused images are present.
func (p *Pair) Complete() bool {
	return p != nil && p.Intra != nil && p.Extra != nil
}

// SetStamp stores a stamp on the side its role names.
func (p *Pair) SetStamp(s *Stamp) {
	if s.Role == RoleIntra {
		p.Intra = s
	} else {
		p.Extra = s
	}
}
