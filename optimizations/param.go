package optimizations

import "gonum.org/v1/gonum/mat"

// Param is a trainable matrix and the gradient accumulated for it since the
// last ZeroGrad.
type Param struct {
	Name string
	W    *mat.Dense
	Grad *mat.Dense
}

func NewParam(name string, w *mat.Dense) *Param {
	r, c := w.Dims()
	return &Param{Name: name, W: w, Grad: mat.NewDense(r, c, nil)}
}

// Accumulate adds g into Grad.
func (p *Param) Accumulate(g mat.Matrix) {
	p.Grad.Add(p.Grad, g)
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Shadow shares W (read-only) with p but keeps a private gradient, so a
// replica can compute gradients without touching p.Grad.
func (p *Param) Shadow() *Param {
	r, c := p.W.Dims()
	return &Param{Name: p.Name, W: p.W, Grad: mat.NewDense(r, c, nil)}
}

// ZeroGrads clears every gradient in ps.
func ZeroGrads(ps []*Param) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}
