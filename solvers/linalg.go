package solvers

import (
	"gonum.org/v1/gonum/mat"
)

// solveMinNorm returns the minimum-norm least squares solution of a·x = b,
// discarding singular values below rcond times the largest. ok is false when
// the factorization fails or no singular value survives.
func solveMinNorm(a *mat.Dense, b *mat.VecDense, rcond float64) (x *mat.VecDense, rank int, ok bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, 0, false
	}
	rank = svd.Rank(rcond)
	if rank == 0 {
		return nil, 0, false
	}
	x = mat.NewVecDense(a.RawMatrix().Cols, nil)
	svd.SolveVecTo(x, b, rank)
	return x, rank, true
}
