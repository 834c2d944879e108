package utils

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNoTargets is returned when every target position is padding, which
// leaves the mean loss undefined.
var ErrNoTargets = errors.New("no non-padding target positions")

// CrossEntropySum scores (V x L) logits against L gold ids. Positions whose
// gold id is ignoreIndex are skipped. It returns the summed negative
// log-likelihood, the number of scored positions, and the gradient of the sum
// with respect to the logits (zero columns at ignored positions).
func CrossEntropySum(logits *mat.Dense, gold []int, ignoreIndex int) (float64, int, *mat.Dense, error) {
	V, L := logits.Dims()
	if len(gold) != L {
		return 0, 0, nil, fmt.Errorf("cross entropy: %d logit columns, %d targets", L, len(gold))
	}
	grad := mat.NewDense(V, L, nil)
	col := make([]float64, V)
	loss := 0.0
	n := 0
	for t, g := range gold {
		if g == ignoreIndex {
			continue
		}
		if g < 0 || g >= V {
			return 0, 0, nil, fmt.Errorf("cross entropy: target id %d outside vocabulary of %d", g, V)
		}
		mat.Col(col, t, logits)
		lse := floats.LogSumExp(col)
		loss += lse - col[g]
		for i, z := range col {
			grad.Set(i, t, math.Exp(z-lse))
		}
		grad.Set(g, t, grad.At(g, t)-1)
		n++
	}
	return loss, n, grad, nil
}

// MaskedCrossEntropy averages CrossEntropySum over every sequence of a batch.
// Ignored positions count neither in the numerator nor the denominator.
func MaskedCrossEntropy(logits []*mat.Dense, gold [][]int, ignoreIndex int) (float64, error) {
	if len(logits) != len(gold) {
		return 0, fmt.Errorf("cross entropy: %d logit rows, %d target rows", len(logits), len(gold))
	}
	total := 0.0
	count := 0
	for b := range logits {
		l, n, _, err := CrossEntropySum(logits[b], gold[b], ignoreIndex)
		if err != nil {
			return 0, errors.Wrapf(err, "sequence %d", b)
		}
		total += l
		count += n
	}
	if count == 0 {
		return 0, ErrNoTargets
	}
	return total / float64(count), nil
}
