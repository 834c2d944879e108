package optimizations

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/utils"
)

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
// With weightDecay == 0 this is plain Adam.
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			update := mhat/(math.Sqrt(vhat)+eps) + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// Adam keeps first and second moment estimates for every parameter and
// applies bias-corrected updates with the current LR.
type Adam struct {
	Params   []*Param
	LR       float64
	Beta1    float64
	Beta2    float64
	Eps      float64
	GradClip float64 // global norm; <=0 disables

	T    int
	M, V []*mat.Dense
}

func NewAdam(ps []*Param, lr, beta1, beta2, eps float64) (*Adam, error) {
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		return nil, fmt.Errorf("adam: betas must lie in [0, 1), got (%g, %g)", beta1, beta2)
	}
	if eps <= 0 {
		return nil, fmt.Errorf("adam: eps must be positive, got %g", eps)
	}
	a := &Adam{Params: ps, LR: lr, Beta1: beta1, Beta2: beta2, Eps: eps}
	a.M = make([]*mat.Dense, len(ps))
	a.V = make([]*mat.Dense, len(ps))
	for i, p := range ps {
		r, c := p.W.Dims()
		a.M[i] = mat.NewDense(r, c, nil)
		a.V[i] = mat.NewDense(r, c, nil)
	}
	return a, nil
}

// Step applies one update from the accumulated gradients. Gradients are left
// in place; call ZeroGrad before the next accumulation.
func (a *Adam) Step() {
	if a.GradClip > 0 {
		grads := make([]*mat.Dense, len(a.Params))
		for i, p := range a.Params {
			grads[i] = p.Grad
		}
		if s := utils.ClipGrads(a.GradClip, grads...); s < 1.0 {
			utils.Debugf("Adam: clipped grads by %.4f at step %d", s, a.T+1)
		}
	}
	a.T++
	for i, p := range a.Params {
		AdamUpdateInPlace(p.W, p.Grad, a.M[i], a.V[i], a.T, a.LR, a.Beta1, a.Beta2, a.Eps, 0.0)
	}
}

func (a *Adam) ZeroGrad() { ZeroGrads(a.Params) }
