package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/utils"
)

// Linear is y = W x + b applied to every column of x.
type Linear struct {
	In, Out int
	Weight  *optimizations.Param // (out x in)
	Bias    *optimizations.Param // (out x 1)

	lastInput *mat.Dense
}

func NewLinear(name string, in, out int) *Linear {
	return &Linear{
		In:     in,
		Out:    out,
		Weight: optimizations.NewParam(name+".weight", mat.NewDense(out, in, utils.RandomArray(out*in, float64(in)))),
		Bias:   optimizations.NewParam(name+".bias", mat.NewDense(out, 1, utils.RandomArray(out, float64(in)))),
	}
}

func (l *Linear) Forward(X *mat.Dense) *mat.Dense {
	l.lastInput = X
	return utils.AddBias(utils.Dot(l.Weight.W, X), l.Bias.W)
}

// Backward accumulates dW and db and returns dX.
func (l *Linear) Backward(dY *mat.Dense) *mat.Dense {
	l.Weight.Accumulate(utils.Dot(dY, l.lastInput.T()))
	l.Bias.Accumulate(utils.RowSumsCol(dY))
	return utils.Dot(l.Weight.W.T(), dY)
}

func (l *Linear) Params() []*optimizations.Param {
	return []*optimizations.Param{l.Weight, l.Bias}
}
