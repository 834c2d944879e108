package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/utils"
)

// MLP is the position-wise feed-forward sublayer: Linear, ReLU, Linear.
type MLP struct {
	Inputs, Hiddens, Outputs int
	Hidden                   *Linear // (hiddens x inputs)
	Output                   *Linear // (outputs x hiddens)

	// cache for backprop
	hiddenPreAct *mat.Dense
}

func NewMLP(name string, dModel, hidden int) *MLP {
	return &MLP{
		Inputs:  dModel,
		Hiddens: hidden,
		Outputs: dModel,
		Hidden:  NewLinear(name+".hidden", dModel, hidden),
		Output:  NewLinear(name+".output", hidden, dModel),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.hiddenPreAct = mlp.Hidden.Forward(X) // (h x T)
	return mlp.Output.Forward(utils.Apply(utils.ReluApply, mlp.hiddenPreAct))
}

func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	hiddenGradOut := mlp.Output.Backward(grad) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.ReluPrime(mlp.hiddenPreAct))
	return mlp.Hidden.Backward(hiddenErrors)
}

func (mlp *MLP) Params() []*optimizations.Param {
	return append(mlp.Hidden.Params(), mlp.Output.Params()...)
}
