// Package sorter holds the tube-sorting domain: the data model, the bin
// allocator that assigns classified tubes to destination racks, the
// scan-classify pipeline that fills it, and the pick-and-place engine that
// drains it.
package sorter

import (
	"fmt"
	"strings"
)

// Classification is the outcome of asking the classification service about
// one identifier.
type Classification string

const (
	ClassUGI     Classification = "ugi"
	ClassVPCH    Classification = "vpch"
	ClassUGIVPCH Classification = "ugi+vpch"
	ClassGeneral Classification = "general"
	ClassBuffer  Classification = "buffer"

	// ClassError marks a failed, timed out or malformed classification.
	ClassError Classification = "error"
	// ClassUnknown marks a well-formed reply whose code is not mapped.
	ClassUnknown Classification = "unknown"
)

// AcceptedClassifications lists the regular classification values. The
// sentinels may also own a rack when configured explicitly; by default they
// are never assigned.
var AcceptedClassifications = []Classification{
	ClassUGI, ClassVPCH, ClassUGIVPCH, ClassGeneral, ClassBuffer,
}

// IsSentinel reports whether c is the error or unknown sentinel.
func (c Classification) IsSentinel() bool {
	return c == ClassError || c == ClassUnknown
}

// ParseClassification maps a case-insensitive name onto a Classification,
// including the sentinels.
func ParseClassification(s string) (Classification, error) {
	c := Classification(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ClassUGI, ClassVPCH, ClassUGIVPCH, ClassGeneral, ClassBuffer, ClassError, ClassUnknown:
		return c, nil
	}
	return "", fmt.Errorf("unknown classification %q", s)
}

// NoRead is the token the scanner reports for a position it could not decode.
const NoRead = "NoRead"

// Pose is a Cartesian target for the manipulator, in millimetres.
type Pose struct {
	X float64 `json:"x" koanf:"x"`
	Y float64 `json:"y" koanf:"y"`
	Z float64 `json:"z" koanf:"z"`
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", p.X, p.Y, p.Z)
}

// Source locates a tube in a source grid.
type Source struct {
	GridID int `json:"grid_id"`
	Row    int `json:"row"`
	Col    int `json:"col"`
}

// Destination locates a slot in a destination rack.
type Destination struct {
	GridID int `json:"grid_id"`
	Row    int `json:"row"`
	Col    int `json:"col"`
}

// Item is one tube tracked from scan to placement.
type Item struct {
	Identifier     string         `json:"identifier"`
	Source         Source         `json:"source"`
	Classification Classification `json:"classification"`
	// Destination is nil until the allocator binds one. It is never
	// rebound once set.
	Destination *Destination `json:"destination,omitempty"`
}

// SourceGrid describes one holder of tubes to be scanned and sorted.
type SourceGrid struct {
	ID int
	// Mask marks the cells holding a tube, indexed [row][col].
	Mask [][]bool
	// ScanOrigin is the scanner pose over row 0, group 0.
	ScanOrigin Pose
	// SortOrigin is the gripper pose over cell (0,0). Its Z is the
	// pickup approach height.
	SortOrigin Pose
}

// Rows returns the number of rows in the mask.
func (g SourceGrid) Rows() int { return len(g.Mask) }

// ActiveCount returns the number of active cells.
func (g SourceGrid) ActiveCount() int {
	n := 0
	for _, row := range g.Mask {
		for _, on := range row {
			if on {
				n++
			}
		}
	}
	return n
}

func (g SourceGrid) active(row, col int) bool {
	if row < 0 || row >= len(g.Mask) {
		return false
	}
	r := g.Mask[row]
	return col >= 0 && col < len(r) && r[col]
}

// ScanPosition is the computed scanner pose for one group of one row.
type ScanPosition struct {
	Row   int
	Group int
	Pose  Pose
}

// ScanPositionFor returns the pose for scanning group of row: X advances by
// rowPitch per row, Y by groupPitch per group, Z stays at the origin.
func ScanPositionFor(origin Pose, row, group int, rowPitch, groupPitch float64) ScanPosition {
	return ScanPosition{
		Row:   row,
		Group: group,
		Pose: Pose{
			X: origin.X + float64(row)*rowPitch,
			Y: origin.Y + float64(group)*groupPitch,
			Z: origin.Z,
		},
	}
}
