package normalise

import (
	"math"

	"mtlognorm/pkg/volume"
)

// RefineMask derives a working mask from a scalar volume and a seed mask:
// a voxel is kept only where the scalar value is finite and strictly
// positive and the seed mask is set. Every voxel of refined is written, so
// the result does not depend on its previous contents.
//
// It is used once to seed the initial mask from the raw summed tissue
// intensities, and again on every inner iteration to re-seed the working
// mask from the log-domain summed signal before outlier rejection. All
// three grids must be co-located; that is validated once by the caller.
func RefineMask(scalar *volume.Volume, seed, refined *volume.Mask) {
	for i, v := range scalar.Data {
		refined.Data[i] = seed.Data[i] && v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
	}
}
