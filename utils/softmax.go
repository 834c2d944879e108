package utils

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// NegInf is the additive mask value for blocked attention positions. Finite,
// so a fully blocked row degrades to a uniform row instead of NaN.
const NegInf = -1e30

// CausalMask returns (T x T) with 0 on and below diagonal, NegInf above.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, NegInf)
		}
	}
	return out
}

// AttentionMask builds the additive (queries x len(keyMask)) mask that blocks
// padded keys and, when causal is set, keys after the query position.
func AttentionMask(queries int, keyMask []bool, causal bool) *mat.Dense {
	keys := len(keyMask)
	out := mat.NewDense(queries, keys, nil)
	for i := 0; i < queries; i++ {
		for j := 0; j < keys; j++ {
			if !keyMask[j] || (causal && j > i) {
				out.Set(i, j, NegInf)
			}
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst (r x c) in place
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	if mr, mc := mask.Dims(); mr != r || mc != c {
		panic("RowSoftmaxMaskedInPlace: mask shape mismatch")
	}
	for i := 0; i < r; i++ {
		mx := m.At(i, 0) + mask.At(i, 0)
		for j := 1; j < c; j++ {
			if v := m.At(i, j) + mask.At(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) + mask.At(i, j) - mx)
			dst.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)*inv)
		}
	}
	return dst
}

// Softmax backward for row-wise softmax used in attention.
// Vector-JVP form: for each row i,
// s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}
