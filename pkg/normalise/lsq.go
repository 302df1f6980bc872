package normalise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// solveLeastSquares returns the least-squares solution of the overdetermined
// system a x ~= b. A QR solve is attempted first; if the factorisation
// reports an ill-conditioned or singular system, the minimum-norm solution
// is computed from a thin SVD instead. Rank-deficient systems therefore
// still produce a well-defined answer (the shortest coefficient vector
// among the least-squares minimisers).
func solveLeastSquares(a *mat.Dense, b *mat.VecDense) ([]float64, error) {
	_, n := a.Dims()

	var qr mat.QR
	qr.Factorize(a)

	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err == nil {
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = x.AtVec(i)
		}
		return out, nil
	}

	return solveMinimumNorm(a, b)
}

// solveMinimumNorm computes the minimum-norm least-squares solution
// x = V S^+ U^T b from a thin SVD, truncating singular values below a
// relative tolerance.
func solveMinimumNorm(a *mat.Dense, b *mat.VecDense) ([]float64, error) {
	m, n := a.Dims()

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("singular value decomposition of %dx%d design matrix failed", m, n)
	}

	values := svd.Values(nil)
	tol := float64(max(m, n)) * values[0] * 1e-14
	rank := 0
	for _, s := range values {
		if s > tol {
			rank++
		}
	}
	if rank == 0 {
		return nil, fmt.Errorf("design matrix is rank deficient: all singular values below tolerance")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// S^+ U^T b over the retained singular values
	scaled := make([]float64, rank)
	for k := 0; k < rank; k++ {
		dot := 0.0
		for i := 0; i < m; i++ {
			dot += u.At(i, k) * b.AtVec(i)
		}
		scaled[k] = dot / values[k]
	}

	out := make([]float64, n)
	for j := 0; j < n; j++ {
		sum := 0.0
		for k := 0; k < rank; k++ {
			sum += v.At(j, k) * scaled[k]
		}
		if math.IsNaN(sum) || math.IsInf(sum, 0) {
			return nil, fmt.Errorf("least-squares solution is not finite at coefficient %d", j)
		}
		out[j] = sum
	}
	return out, nil
}
