package utils

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Matrix functions used by the layers. All of them allocate their output.

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

// Sum adds any number of same-shaped matrices.
func Sum(first mat.Matrix, rest ...mat.Matrix) *mat.Dense {
	o := mat.DenseCopyOf(first)
	for _, m := range rest {
		o.Add(o, m)
	}
	return o
}

// AddBias adds the (r x 1) column bias to every column of m.
func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		b := bias.At(i, 0)
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j)+b)
		}
	}
	return out
}

// RowSums returns per-row sums.
func RowSums(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			sum += m.At(i, j)
		}
		out[i] = sum
	}
	return out
}

// RowSumsCol is RowSums shaped as an (r x 1) column.
func RowSumsCol(m mat.Matrix) *mat.Dense {
	s := RowSums(m)
	return mat.NewDense(len(s), 1, s)
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

func MatrixNorm(m mat.Matrix) float64 {
	return mat.Norm(m, 2)
}

// RandomArray draws size values uniformly from ±1/sqrt(v). With v the fan-in
// this is the default initialisation of a dense layer.
func RandomArray(size int, v float64) []float64 {
	bound := 1.0 / math.Sqrt(v+1e-12)
	dist := distuv.Uniform{Min: -bound, Max: bound}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// NormalArray draws size values from N(0, std²).
func NormalArray(size int, std float64) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: std}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// -------- ReLU activation --------

func ReluApply(_, _ int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// ReluPrime is the elementwise derivative given the pre-activation matrix.
func ReluPrime(m mat.Matrix) *mat.Dense {
	return Apply(func(_, _ int, x float64) float64 {
		if x > 0 {
			return 1
		}
		return 0
	}, m)
}

// debugging and clipping.

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}
