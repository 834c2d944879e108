package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/utils"
)

// LayerNorm normalizes each column of a (d x T) activation.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *Param // (d x 1)
	Beta  *Param // (d x 1)

	// cache
	Xhat   *mat.Dense // (d x T)
	InvStd []float64  // per column
}

func NewLayerNorm(name string, d int, eps float64) *LayerNorm {
	return &LayerNorm{
		D:     d,
		Eps:   eps,
		Gamma: NewParam(name+".gamma", utils.OnesLike(mat.NewDense(d, 1, nil))),
		Beta:  NewParam(name+".beta", mat.NewDense(d, 1, nil)),
	}
}

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.W.At(i, 0)*n+ln.Beta.W.At(i, 0))
		}
	}
	ln.Xhat = xhat
	ln.InvStd = inv
	return out
}

// Backward accumulates gamma/beta grads and returns dX for the last Forward.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	dGamma := mat.NewDense(d, 1, nil)
	dBeta := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.Xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		dGamma.Set(i, 0, sumDG)
		dBeta.Set(i, 0, sumDB)
	}
	ln.Gamma.Accumulate(dGamma)
	ln.Beta.Accumulate(dBeta)

	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.InvStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.W.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.W.At(i, 0)
			dX.Set(i, t, (float64(d)*gy-sum1-ln.Xhat.At(i, t)*sum2)*(istd/float64(d)))
		}
	}
	return dX
}

func (ln *LayerNorm) Params() []*Param { return []*Param{ln.Gamma, ln.Beta} }

// Replica shares weights with ln and owns its grads and cache.
func (ln *LayerNorm) Replica() *LayerNorm {
	return &LayerNorm{D: ln.D, Eps: ln.Eps, Gamma: ln.Gamma.Shadow(), Beta: ln.Beta.Shadow()}
}
