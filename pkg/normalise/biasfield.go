package normalise

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"mtlognorm/pkg/volume"
)

// BiasField holds the estimated multiplicative bias field in both domains.
// The two volumes are kept consistent at all times: Image = exp(Log),
// pointwise, after every update. Before the first fit the field is the
// identity (Log = 0, Image = 1).
type BiasField struct {
	// Log is the bias field in the logarithmic domain
	Log *volume.Volume

	// Image is the pointwise exponential of Log, the field the tissue
	// intensities are divided by
	Image *volume.Volume
}

// newBiasField allocates an identity bias field on the given grid.
func newBiasField(ref *volume.Volume) *BiasField {
	b := &BiasField{
		Log:   ref.Scratch(),
		Image: ref.Scratch(),
	}
	b.Image.Fill(1)
	return b
}

// fit estimates the 20 polynomial weights from the log-domain residual at
// the masked voxels and re-evaluates the field over the full grid.
//
// For every masked voxel the target is log(sum_j c_j * tissue_j) minus the
// log of the normalisation value, and the feature row is the polynomial
// basis at the voxel's scanner position. Masked voxels are enumerated in
// fixed z, y, x order so each voxel maps to a stable matrix row. The fitted
// polynomial is then evaluated at every voxel of the grid, masked or not,
// extrapolating the smooth correction beyond the possibly sparse mask.
func (b *BiasField) fit(tissues *volume.Stack, mask *volume.Mask, numVoxels int,
	scaleFactors []float64, logNormValue float64, workers int) error {

	basisMatrix := mat.NewDense(numVoxels, NumBasisFunctions, nil)
	y := mat.NewVecDense(numVoxels, nil)

	row := 0
	voxel := 0
	for z := 0; z < tissues.Nz; z++ {
		for yy := 0; yy < tissues.Ny; yy++ {
			for x := 0; x < tissues.Nx; x++ {
				if mask.Data[voxel] {
					px, py, pz := tissues.Affine.Apply(float64(x), float64(yy), float64(z))
					basis := BasisFunction(px, py, pz)
					basisMatrix.SetRow(row, basis[:])

					sum := 0.0
					for t := 0; t < tissues.Nt; t++ {
						sum += scaleFactors[t] * tissues.AtIndex(voxel, t)
					}
					y.SetVec(row, math.Log(sum)-logNormValue)
					row++
				}
				voxel++
			}
		}
	}

	weights, err := solveLeastSquares(basisMatrix, y)
	if err != nil {
		return err
	}

	b.evaluate(weights, workers)
	return nil
}

// evaluate fills the log-domain field from the polynomial weights and
// refreshes the image-domain field as its pointwise exponential. Each voxel
// depends only on its own coordinates, so the grid is split into z-slabs
// across workers.
func (b *BiasField) evaluate(weights []float64, workers int) {
	nx, ny, nz := b.Log.Shape()
	volume.ParallelZ(nz, workers, func(z int) {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				px, py, pz := b.Log.VoxelToScanner(x, y, z)
				basis := BasisFunction(px, py, pz)
				val := 0.0
				for i := 0; i < NumBasisFunctions; i++ {
					val += basis[i] * weights[i]
				}
				idx := b.Log.Index(x, y, z)
				b.Log.Data[idx] = val
				b.Image.Data[idx] = math.Exp(val)
			}
		}
	})
}
