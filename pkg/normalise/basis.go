package normalise

// NumBasisFunctions is the number of terms in the polynomial bias-field
// basis: the monomials of total degree <= 3 in three variables used by the
// fitting procedure.
const NumBasisFunctions = 20

// basisTerms lists the exponents (px, py, pz) of each basis monomial, in
// the fixed order the fitted weight vector is indexed by. The ordering is
// part of the contract: weights, fitted fields and tests all depend on it.
var basisTerms = [NumBasisFunctions][3]int{
	{0, 0, 0}, // 1
	{1, 0, 0}, // x
	{0, 1, 0}, // y
	{0, 0, 1}, // z
	{2, 0, 0}, // x^2
	{0, 2, 0}, // y^2
	{0, 0, 2}, // z^2
	{1, 1, 0}, // xy
	{1, 0, 1}, // xz
	{0, 1, 1}, // yz
	{3, 0, 0}, // x^3
	{0, 3, 0}, // y^3
	{0, 0, 3}, // z^3
	{2, 1, 0}, // x^2 y
	{2, 0, 1}, // x^2 z
	{1, 2, 0}, // x y^2
	{0, 2, 1}, // y^2 z
	{1, 0, 2}, // x z^2
	{0, 1, 2}, // y z^2
	{1, 1, 1}, // xyz
}

// BasisFunction evaluates the 20-term cubic polynomial basis at a scanner
// coordinate.
func BasisFunction(x, y, z float64) [NumBasisFunctions]float64 {
	// Powers 0..3 of each coordinate
	px := [4]float64{1, x, x * x, x * x * x}
	py := [4]float64{1, y, y * y, y * y * y}
	pz := [4]float64{1, z, z * z, z * z * z}

	var basis [NumBasisFunctions]float64
	for i, term := range basisTerms {
		basis[i] = px[term[0]] * py[term[1]] * pz[term[2]]
	}
	return basis
}
