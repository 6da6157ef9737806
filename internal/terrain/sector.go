package terrain

import "fmt"

// Sector is a square column of the world, the unit of exclusive access for
// gathering. Coordinates are in sector units.
type Sector struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// SectorOf returns the sector of the given size containing block (x, z).
func SectorOf(x, z, size int) Sector {
	if size <= 0 {
		size = 1
	}
	return Sector{X: FloorDiv(x, size), Z: FloorDiv(z, size)}
}

// Center is the block coordinate at the middle of s.
func (s Sector) Center(size int) (x, z int) {
	return s.X*size + size/2, s.Z*size + size/2
}

func (s Sector) Add(dx, dz int) Sector { return Sector{X: s.X + dx, Z: s.Z + dz} }

// Chebyshev distance in sectors.
func (s Sector) Dist(o Sector) int {
	dx, dz := AbsInt(s.X-o.X), AbsInt(s.Z-o.Z)
	if dx > dz {
		return dx
	}
	return dz
}

func (s Sector) String() string { return fmt.Sprintf("(%d,%d)", s.X, s.Z) }
