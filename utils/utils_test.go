package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestAttentionMask(t *testing.T) {
	m := AttentionMask(3, []bool{true, true, false}, true)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			blocked := j > i || j == 2
			if blocked {
				assert.Equal(t, NegInf, m.At(i, j), "(%d,%d)", i, j)
			} else {
				assert.Zero(t, m.At(i, j), "(%d,%d)", i, j)
			}
		}
	}
	assert.True(t, mat.Equal(CausalMask(3), AttentionMask(3, []bool{true, true, true}, true)))
}

func TestRowSoftmaxMaskedInPlace(t *testing.T) {
	s := mat.NewDense(2, 3, []float64{1, 2, 3, 0, 0, 50})
	mask := AttentionMask(2, []bool{true, true, false}, false)
	a := RowSoftmaxMaskedInPlace(mat.NewDense(2, 3, nil), s, mask)
	for _, sum := range RowSums(a) {
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	assert.Zero(t, a.At(0, 2))
	assert.Zero(t, a.At(1, 2))
	assert.InDelta(t, 0.5, a.At(1, 0), 1e-12)
}

func TestSoftmaxBackwardFiniteDiff(t *testing.T) {
	s := mat.NewDense(1, 3, []float64{0.3, -0.1, 0.8})
	w := mat.NewDense(1, 3, []float64{1.5, -2, 0.5}) // loss = sum(w * softmax(s))
	mask := mat.NewDense(1, 3, nil)
	loss := func() float64 {
		a := RowSoftmaxMaskedInPlace(mat.NewDense(1, 3, nil), s, mask)
		return mat.Sum(Multiply(a, w))
	}
	a := RowSoftmaxMaskedInPlace(mat.NewDense(1, 3, nil), s, mask)
	dS := SoftmaxBackward(w, a)
	const eps = 1e-6
	for j := 0; j < 3; j++ {
		v := s.At(0, j)
		s.Set(0, j, v+eps)
		lp := loss()
		s.Set(0, j, v-eps)
		lm := loss()
		s.Set(0, j, v)
		assert.InDelta(t, (lp-lm)/(2*eps), dS.At(0, j), 1e-6)
	}
}

func TestCrossEntropySum(t *testing.T) {
	// Uniform logits: every position costs log(V).
	logits := mat.NewDense(4, 2, nil)
	loss, n, grad, err := CrossEntropySum(logits, []int{1, 3}, -100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 2*math.Log(4), loss, 1e-12)
	assert.InDelta(t, 0.25-1, grad.At(1, 0), 1e-12)
	assert.InDelta(t, 0.25, grad.At(0, 0), 1e-12)

	// Ignored positions get no gradient and no count.
	loss, n, grad, err = CrossEntropySum(logits, []int{0, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, math.Log(4), loss, 1e-12)
	for i := 0; i < 4; i++ {
		assert.Zero(t, grad.At(i, 0))
	}

	_, _, _, err = CrossEntropySum(logits, []int{1, 9}, 0)
	require.Error(t, err)
	_, _, _, err = CrossEntropySum(logits, []int{1}, 0)
	require.Error(t, err)
}

func TestMaskedCrossEntropyIgnoresPadding(t *testing.T) {
	logits := []*mat.Dense{
		mat.NewDense(3, 2, []float64{2, 9, 0, -4, 1, 7}),
	}
	gold := [][]int{{1, 0}} // second position is padding (id 0)
	base, err := MaskedCrossEntropy(logits, gold, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		logits[0].Set(i, 1, float64(100*i)-37)
	}
	again, err := MaskedCrossEntropy(logits, gold, 0)
	require.NoError(t, err)
	assert.Equal(t, base, again)

	_, err = MaskedCrossEntropy(logits, [][]int{{0, 0}}, 0)
	require.ErrorIs(t, err, ErrNoTargets)
}

func TestClipGrads(t *testing.T) {
	g1 := mat.NewDense(1, 2, []float64{3, 0})
	g2 := mat.NewDense(1, 1, []float64{4})
	s := ClipGrads(1, g1, g2)
	assert.InDelta(t, 0.2, s, 1e-12)
	assert.InDelta(t, 0.6, g1.At(0, 0), 1e-12)
	assert.InDelta(t, 0.8, g2.At(0, 0), 1e-12)
	assert.Equal(t, 1.0, ClipGrads(0, g1))
}

func TestRandomArrayBounds(t *testing.T) {
	for _, v := range RandomArray(200, 16) {
		assert.LessOrEqual(t, math.Abs(v), 0.25)
	}
}
