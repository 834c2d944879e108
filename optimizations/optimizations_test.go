package optimizations

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestInverseSqrtWarmup(t *testing.T) {
	const d, w = 512, 4000
	assert.Zero(t, InverseSqrtWarmup(0, d, w))
	assert.InDelta(t, math.Pow(512, -0.5)*math.Pow(4000, -1.5), InverseSqrtWarmup(1, d, w), 1e-15)
	assert.InDelta(t, 6.9877e-4, InverseSqrtWarmup(w, d, w), 1e-7)

	prev := 0.0
	for s := 1; s <= w; s += 97 {
		cur := InverseSqrtWarmup(s, d, w)
		require.Greater(t, cur, prev, "step %d", s)
		prev = cur
	}
	peak := InverseSqrtWarmup(w, d, w)
	for s := w + 1; s < 5*w; s += 1013 {
		require.Less(t, InverseSqrtWarmup(s, d, w), peak, "step %d", s)
	}
	assert.InDelta(t, peak/math.Sqrt(2), InverseSqrtWarmup(2*w, d, w), 1e-12)
}

func TestLambdaLRFirstUpdateIsZero(t *testing.T) {
	p := NewParam("w", mat.NewDense(1, 2, []float64{1, -1}))
	opt, err := NewAdam([]*Param{p}, 1.0, 0.9, 0.98, 1e-9)
	require.NoError(t, err)
	sched := NewInverseSqrtWarmup(opt, 512, 4000)
	assert.Zero(t, opt.LR)

	p.Grad.Set(0, 0, 3)
	p.Grad.Set(0, 1, -2)
	opt.Step()
	sched.Step()
	assert.Equal(t, 1.0, p.W.At(0, 0))
	assert.Equal(t, -1.0, p.W.At(0, 1))
	assert.Equal(t, 1, opt.T)
	assert.InDelta(t, InverseSqrtWarmup(1, 512, 4000), sched.LR(), 1e-18)

	sched.Restore(4000)
	assert.InDelta(t, InverseSqrtWarmup(4000, 512, 4000), opt.LR, 1e-18)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	// f(w) = sum((w - 3)^2)
	p := NewParam("w", mat.NewDense(2, 2, []float64{0, 1, -2, 5}))
	opt, err := NewAdam([]*Param{p}, 0.1, 0.9, 0.98, 1e-9)
	require.NoError(t, err)
	loss := func() float64 {
		s := 0.0
		for _, v := range p.W.RawMatrix().Data {
			s += (v - 3) * (v - 3)
		}
		return s
	}
	start := loss()
	for i := 0; i < 300; i++ {
		opt.ZeroGrad()
		for j, v := range p.W.RawMatrix().Data {
			p.Grad.RawMatrix().Data[j] = 2 * (v - 3)
		}
		opt.Step()
	}
	assert.Less(t, loss(), start*1e-2)
}

func TestAdamRejectsBadHparams(t *testing.T) {
	_, err := NewAdam(nil, 1, 1.0, 0.98, 1e-9)
	require.Error(t, err)
	_, err = NewAdam(nil, 1, 0.9, -0.1, 1e-9)
	require.Error(t, err)
	_, err = NewAdam(nil, 1, 0.9, 0.98, 0)
	require.Error(t, err)
}

func TestAdamGradClip(t *testing.T) {
	p := NewParam("w", mat.NewDense(1, 2, nil))
	opt, err := NewAdam([]*Param{p}, 0, 0.9, 0.98, 1e-9)
	require.NoError(t, err)
	opt.GradClip = 1
	p.Grad.Set(0, 0, 3)
	p.Grad.Set(0, 1, 4)
	opt.Step()
	assert.InDelta(t, 0.6, p.Grad.At(0, 0), 1e-12)
	assert.InDelta(t, 0.8, p.Grad.At(0, 1), 1e-12)
}

func TestShadowSharesWeights(t *testing.T) {
	p := NewParam("w", mat.NewDense(1, 1, []float64{2}))
	s := p.Shadow()
	s.Grad.Set(0, 0, 5)
	assert.Zero(t, p.Grad.At(0, 0))
	p.W.Set(0, 0, 7)
	assert.Equal(t, 7.0, s.W.At(0, 0))
}

// Finite-difference check of LayerNorm input and gamma grads against
// loss = sum(R * LN(X)).
func TestLayerNormGradFiniteDiff(t *testing.T) {
	ln := NewLayerNorm("ln", 4, 1e-5)
	ln.Gamma.W = mat.NewDense(4, 1, []float64{1.2, 0.7, -0.4, 1.1})
	ln.Gamma.Grad = mat.NewDense(4, 1, nil)
	X := mat.NewDense(4, 2, []float64{0.3, -1, 0.5, 2, -0.7, 0.1, 1.4, -0.2})
	R := mat.NewDense(4, 2, []float64{1, -2, 0.5, 0.3, -1.1, 0.9, 2, -0.6})
	loss := func() float64 {
		y := ln.Forward(X)
		y.MulElem(y, R)
		return mat.Sum(y)
	}
	loss()
	dX := ln.Backward(R)

	const eps = 1e-6
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			v := X.At(i, j)
			X.Set(i, j, v+eps)
			lp := loss()
			X.Set(i, j, v-eps)
			lm := loss()
			X.Set(i, j, v)
			assert.InDelta(t, (lp-lm)/(2*eps), dX.At(i, j), 1e-5, "dX[%d,%d]", i, j)
		}
	}
	for i := 0; i < 4; i++ {
		v := ln.Gamma.W.At(i, 0)
		ln.Gamma.W.Set(i, 0, v+eps)
		lp := loss()
		ln.Gamma.W.Set(i, 0, v-eps)
		lm := loss()
		ln.Gamma.W.Set(i, 0, v)
		assert.InDelta(t, (lp-lm)/(2*eps), ln.Gamma.Grad.At(i, 0), 1e-5, "dGamma[%d]", i)
	}
}
