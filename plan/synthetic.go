package plan

import (
	"fmt"
	"math"

	"github.com/beamworks/aperture-optimizer/dose"
)

const (
	// attenuationPerVoxel is the exponential dose falloff per voxel of depth.
	attenuationPerVoxel = 0.12
	// lateralSpill is the fraction of the pencil dose deposited on each of
	// the four lateral voxel neighbours.
	lateralSpill = 0.18
)

// SyntheticInfluence fabricates a demo influence matrix for a scenario: each
// bixel deposits a pencil of dose along the z axis, attenuated exponentially
// with depth, with a fixed fraction spilling onto the four lateral
// neighbours. Bixel b anchors at grid column (b mod nx, (b / nx) mod ny).
// Deterministic and dense enough for meaningful demos, but no substitute for
// a dose engine.
func SyntheticInfluence(scn *Scenario) (*dose.InfluenceMatrix, error) {
	if scn == nil || scn.Sequence == nil {
		return nil, fmt.Errorf("SyntheticInfluence: nil scenario")
	}
	nx, ny, nz := scn.Grid[0], scn.Grid[1], scn.Grid[2]
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("SyntheticInfluence: grid %v", scn.Grid)
	}
	bixels := scn.Sequence.BixelCount
	if bixels <= 0 {
		return nil, fmt.Errorf("SyntheticInfluence: sequence maps no bixels")
	}

	voxel := func(x, y, z int) int { return x + nx*(y+ny*z) }

	var entries []dose.Entry
	for b := 0; b < bixels; b++ {
		ax := b % nx
		ay := (b / nx) % ny
		for z := 0; z < nz; z++ {
			depth := math.Exp(-attenuationPerVoxel * float64(z))
			entries = append(entries, dose.Entry{Voxel: voxel(ax, ay, z), Bixel: b, Value: depth})
			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				x, y := ax+d[0], ay+d[1]
				if x < 0 || x >= nx || y < 0 || y >= ny {
					continue
				}
				entries = append(entries, dose.Entry{Voxel: voxel(x, y, z), Bixel: b, Value: lateralSpill * depth})
			}
		}
	}
	return dose.NewInfluenceFromTriplets(nx*ny*nz, bixels, scn.Grid, entries, scn.WeightToMU)
}
