// Package normalise implements multi-tissue informed log-domain intensity
// normalisation: it jointly estimates one positive scale factor per tissue
// compartment and a smooth multiplicative bias field, such that the sum of
// scaled, bias-corrected tissue intensities is approximately uniform and
// equal to a target value inside a mask.
//
// The estimation alternates two stages inside a fixed-count outer loop:
// a robust inner loop that solves a linear least-squares system for the
// scale factors with quartile-fence outlier rejection, and a 20-term cubic
// polynomial fit of the bias field in the logarithmic domain. The bias
// field estimated by each outer pass feeds back into the next pass's scale
// factor solve.
package normalise

import (
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"mtlognorm/pkg/volume"
)

const (
	// DefaultNormValue is the default target for the summed scaled tissue
	// intensities: sqrt(1/(4*pi)), the amplitude of the unit l=0 spherical
	// harmonic.
	DefaultNormValue = 0.282094

	// DefaultMaxIter is the default iteration cap, shared by the outer
	// driver and the inner scale-factor loop.
	DefaultMaxIter = 10

	// convergenceThreshold is the mean relative change in scale factors
	// below which the inner loop is considered converged.
	convergenceThreshold = 0.001

	// fenceMultiplier scales the interquartile range when deriving the
	// outlier rejection fences.
	fenceMultiplier = 1.6
)

// Params holds the resolved estimation parameters. Option resolution
// (config files, flags) happens before construction; the core only sees
// these scalars.
type Params struct {
	// NormValue is the target value for the summed scaled tissue
	// intensities inside the mask. Must be strictly positive.
	NormValue float64

	// MaxIter caps both the outer driver and the inner scale-factor loop.
	// The outer body runs MaxIter-1 times; there is no outer convergence
	// test.
	MaxIter int

	// Independent selects per-tissue normalisation. When false (the
	// default), all output volumes share a single common factor, the
	// geometric mean of the solved per-tissue factors.
	Independent bool

	// NumWorkers bounds the goroutines used for the voxel-wise passes
	// with no cross-voxel dependency. <= 0 means one per CPU.
	NumWorkers int
}

// Result carries the outputs of a normalisation run.
type Result struct {
	// ScaleFactors are the factors actually applied to each tissue: the
	// raw solved factors in independent mode, otherwise their common
	// geometric mean replicated per tissue.
	ScaleFactors []float64

	// Corrected holds the bias-corrected, scaled, non-negative output
	// volume for each tissue, in input order.
	Corrected []*volume.Volume

	// BiasImage is the final image-domain bias field.
	BiasImage *volume.Volume

	// BiasLog is the final log-domain bias field, exp(BiasLog) == BiasImage.
	BiasLog *volume.Volume

	// Mask is the final working mask: the voxels that informed the last
	// bias field fit, after outlier rejection.
	Mask *volume.Mask
}

// Normaliser runs the estimation. Construct with New, run with Run.
type Normaliser struct {
	params Params

	// rawTissues are the caller's input volumes, unclamped; the output
	// compositor reads these
	rawTissues []*volume.Volume

	// tissues is the packed non-negative tissue stack all estimation
	// stages read
	tissues *volume.Stack

	// initialMask is fixed after construction; the working mask is
	// re-derived from it on every inner iteration
	initialMask *volume.Mask
	mask        *volume.Mask
	numVoxels   int

	bias *BiasField

	scaleFactors     []float64
	prevScaleFactors []float64

	logNormValue float64
}

// New validates the inputs and prepares a Normaliser: the tissue volumes
// are packed into the clamped stack, the initial mask is refined from the
// raw summed intensities, and the bias field is initialised to the
// identity.
//
// Fails when fewer than two tissues are supplied, when grids are
// mismatched, when the normalisation target is not strictly positive, or
// when the refined initial mask contains no voxels.
func New(tissues []*volume.Volume, mask *volume.Mask, params Params) (*Normaliser, error) {
	if params.NormValue <= 0 {
		return nil, fmt.Errorf("intensity normalisation value must be strictly positive, got %g", params.NormValue)
	}
	if params.MaxIter < 1 {
		return nil, fmt.Errorf("maximum iteration count must be at least 1, got %d", params.MaxIter)
	}

	stack, err := volume.NewStack(tissues)
	if err != nil {
		return nil, err
	}
	if !mask.SameGrid(tissues[0]) {
		return nil, fmt.Errorf("mask dimensions %dx%dx%d do not match tissue dimensions %dx%dx%d",
			mask.Nx, mask.Ny, mask.Nz, tissues[0].Nx, tissues[0].Ny, tissues[0].Nz)
	}

	// Sum the raw (unclamped) inputs and refine the caller's mask down to
	// voxels with finite, positive summed intensity.
	summed := tissues[0].Scratch()
	for _, t := range tissues {
		for i, v := range t.Data {
			summed.Data[i] += v
		}
	}
	initial := mask.Scratch()
	RefineMask(summed, mask, initial)

	numVoxels := initial.Count()
	if numVoxels == 0 {
		return nil, fmt.Errorf("refined mask contains no voxels: nothing to estimate from")
	}

	n := &Normaliser{
		params:       params,
		rawTissues:   tissues,
		tissues:      stack,
		initialMask:  initial,
		mask:         initial.Clone(),
		numVoxels:    numVoxels,
		bias:         newBiasField(summed),
		scaleFactors: make([]float64, stack.Nt),
		logNormValue: math.Log(params.NormValue),
	}
	// Identity factors until the first solve, so a run capped before the
	// first outer pass composes a pass-through output.
	for i := range n.scaleFactors {
		n.scaleFactors[i] = 1
	}
	return n, nil
}

// Run executes the outer driver: MaxIter-1 passes, each running the inner
// scale-factor loop to convergence or cap and then fitting the bias field
// once. Termination is purely iteration-count bounded; the bias field has
// no convergence test of its own.
func (n *Normaliser) Run() (*Result, error) {
	for iter := 1; iter < n.params.MaxIter; iter++ {
		log.Infof("iteration: %d", iter)

		if err := n.solveScaleFactors(iter); err != nil {
			return nil, err
		}
		log.Infof("scale factors: %v", n.scaleFactors)

		if err := n.bias.fit(n.tissues, n.mask, n.numVoxels, n.scaleFactors,
			n.logNormValue, n.params.NumWorkers); err != nil {
			return nil, fmt.Errorf("bias field fit failed: %w", err)
		}
	}
	return n.compose(), nil
}

// solveScaleFactors runs the robust inner loop for one outer pass.
//
// Each inner iteration solves the least-squares system, validates
// positivity, renormalises to unit geometric mean, tests convergence
// against the factors of the previous inner iteration (skipped while the
// outer counter is 1, when no previous value exists), and on
// non-convergence re-derives the working mask and rejects outliers.
func (n *Normaliser) solveScaleFactors(outerIter int) error {
	converged := false
	for normIter := 1; !converged && normIter < n.params.MaxIter; normIter++ {
		log.Debugf("norm iteration: %d", normIter)

		factors, err := n.solveOnce()
		if err != nil {
			return fmt.Errorf("scale factor solve failed: %w", err)
		}

		// A non-positive factor means the estimation problem is ill-posed
		// for this data; hard failure rather than a silent clamp.
		for j, f := range factors {
			if f <= 0 {
				return fmt.Errorf("non-positive tissue intensity normalisation scale factor was computed"+
					" (tissue index: %d, scale factor: %g): needs to be strictly positive", j, f)
			}
		}

		// Enforce exp(mean(log(factors))) == 1
		gm := stat.GeometricMean(factors, nil)
		for j := range factors {
			factors[j] /= gm
		}
		n.scaleFactors = factors

		if outerIter > 1 {
			rel := make([]float64, len(factors))
			for j := range factors {
				rel[j] = math.Abs(n.prevScaleFactors[j]-factors[j]) / n.prevScaleFactors[j]
			}
			change := stat.Mean(rel, nil)
			log.Debugf("percentage change in estimated scale factors: %g", change*100)
			if change < convergenceThreshold {
				converged = true
			}
		}

		if !converged {
			n.rejectOutliers()
		}

		n.prevScaleFactors = append(n.prevScaleFactors[:0], factors...)
	}
	return nil
}

// solveOnce builds the design matrix over the currently masked voxels and
// solves for the raw scale factors. Row i holds the bias-corrected tissue
// intensities of the i-th masked voxel in z, y, x scan order; the target is
// all-ones.
func (n *Normaliser) solveOnce() ([]float64, error) {
	x := mat.NewDense(n.numVoxels, n.tissues.Nt, nil)
	y := mat.NewVecDense(n.numVoxels, nil)

	row := 0
	for voxel, inside := range n.mask.Data {
		if !inside {
			continue
		}
		for t := 0; t < n.tissues.Nt; t++ {
			x.Set(row, t, n.tissues.AtIndex(voxel, t)/n.bias.Image.Data[voxel])
		}
		y.SetVec(row, 1)
		row++
	}

	return solveLeastSquares(x, y)
}

// rejectOutliers recomputes the log-domain summed signal, re-seeds the
// working mask from the fixed initial mask, and unsets voxels whose log
// value falls outside the quartile fences.
//
// The quartiles are taken from the sorted sample at the nearest-integer
// indices round(n*0.25) and round(n*0.75), a simplified estimator rather
// than an interpolating quantile. The upper index runs past the end of the
// sample for working masks of fewer than three voxels; keeping at least
// three masked voxels is a caller responsibility (adequate initial
// masking), and no guard is added here.
func (n *Normaliser) rejectOutliers() {
	summedLog := n.tissues.Scratch()
	for voxel := range summedLog.Data {
		sum := 0.0
		for t := 0; t < n.tissues.Nt; t++ {
			sum += n.scaleFactors[t] * n.tissues.AtIndex(voxel, t) / n.bias.Image.Data[voxel]
		}
		summedLog.Data[voxel] = math.Log(sum)
	}

	// Each inner pass restarts masking from the initial mask, never from
	// the previous working mask.
	RefineMask(summedLog, n.initialMask, n.mask)

	values := make([]float64, 0, n.numVoxels)
	for voxel, inside := range n.mask.Data {
		if inside {
			values = append(values, summedLog.Data[voxel])
		}
	}
	n.numVoxels = len(values)

	sort.Float64s(values)
	q1 := values[int(math.Round(float64(n.numVoxels)*0.25))]
	q3 := values[int(math.Round(float64(n.numVoxels)*0.75))]
	fence := fenceMultiplier * (q3 - q1)
	lower := q1 - fence
	upper := q3 + fence

	for voxel, inside := range n.mask.Data {
		if inside && (summedLog.Data[voxel] < lower || summedLog.Data[voxel] > upper) {
			n.mask.Data[voxel] = false
			n.numVoxels--
		}
	}
}

// compose produces the final outputs: in joint mode every factor is
// replaced by the common geometric mean, then each raw input volume is
// scaled, divided by the image-domain bias field and clamped at zero.
func (n *Normaliser) compose() *Result {
	applied := make([]float64, len(n.scaleFactors))
	copy(applied, n.scaleFactors)
	if !n.params.Independent {
		gm := stat.GeometricMean(applied, nil)
		for j := range applied {
			applied[j] = gm
		}
	}

	corrected := make([]*volume.Volume, len(n.rawTissues))
	for j, raw := range n.rawTissues {
		out := raw.Scratch()
		factor := applied[j]
		volume.ParallelZ(raw.Nz, n.params.NumWorkers, func(z int) {
			base := z * raw.Ny * raw.Nx
			for i := base; i < base+raw.Ny*raw.Nx; i++ {
				v := factor * raw.Data[i] / n.bias.Image.Data[i]
				if v < 0 {
					v = 0
				}
				out.Data[i] = v
			}
		})
		corrected[j] = out
	}

	return &Result{
		ScaleFactors: applied,
		Corrected:    corrected,
		BiasImage:    n.bias.Image,
		BiasLog:      n.bias.Log,
		Mask:         n.mask,
	}
}
