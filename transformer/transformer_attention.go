package transformer

import (
	"fmt"
	"math"
	"os"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/utils"
)

// Attention is multi-head scaled dot-product attention. Queries come from Xq
// and keys/values from Xkv; self-attention passes the same matrix twice.
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*optimizations.Param // per head (dHead x dModel)
	Wkey    []*optimizations.Param
	Wvalue  []*optimizations.Param
	Woutput *optimizations.Param // (dModel x dModel)

	// cache for backprop
	Xq, Xkv *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense // per head (Tq x Tk), freshly allocated every Forward
	O_cat   *mat.Dense

	parallel bool // parallelize over heads if true
}

func NewAttention(name string, dModel, nHeads int) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:        nHeads,
		DModel:   dModel,
		DHead:    dHead,
		Wquery:   make([]*optimizations.Param, nHeads),
		Wkey:     make([]*optimizations.Param, nHeads),
		Wvalue:   make([]*optimizations.Param, nHeads),
		parallel: os.Getenv("HEAD_PAR") == "1",
	}
	attn.allocCache()
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(fmt.Sprintf("%s.wq.%d", name, h),
			mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel))))
		attn.Wkey[h] = optimizations.NewParam(fmt.Sprintf("%s.wk.%d", name, h),
			mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel))))
		attn.Wvalue[h] = optimizations.NewParam(fmt.Sprintf("%s.wv.%d", name, h),
			mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel))))
	}
	attn.Woutput = optimizations.NewParam(name+".wo",
		mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, float64(dModel))))
	return attn
}

func (attn *Attention) allocCache() {
	attn.Q = make([]*mat.Dense, attn.H)
	attn.K = make([]*mat.Dense, attn.H)
	attn.V = make([]*mat.Dense, attn.H)
	attn.A = make([]*mat.Dense, attn.H)
}

// Forward returns (dModel x Tq). mask is the additive (Tq x Tk) mask built by
// utils.AttentionMask.
func (attn *Attention) Forward(Xq, Xkv, mask *mat.Dense) *mat.Dense {
	attn.Xq, attn.Xkv = Xq, Xkv
	_, Tq := Xq.Dims()
	_, Tk := Xkv.Dims()
	headsCat := mat.NewDense(attn.DModel, Tq, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	work := func(h int) {
		q := mat.NewDense(attn.DHead, Tq, nil)
		k := mat.NewDense(attn.DHead, Tk, nil)
		v := mat.NewDense(attn.DHead, Tk, nil)
		q.Mul(attn.Wquery[h].W, Xq)
		k.Mul(attn.Wkey[h].W, Xkv)
		v.Mul(attn.Wvalue[h].W, Xkv)
		// S = (Q^T K)/sqrt
		scores := mat.NewDense(Tq, Tk, nil)
		scores.Mul(q.T(), k)
		scores.Scale(rescale, scores)
		a := utils.RowSoftmaxMaskedInPlace(mat.NewDense(Tq, Tk, nil), scores, mask)
		// O = V * A^T, written into this head's rows
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, Tq).(*mat.Dense)
		dst.Mul(v, a.T())
		attn.Q[h], attn.K[h], attn.V[h], attn.A[h] = q, k, v, a
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			go func() { defer wg.Done(); work(h) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.O_cat = headsCat

	if utils.DebugEnabled() && attn.H > 0 {
		rs := utils.RowSums(attn.A[0])
		mn, mx := rs[0], rs[0]
		for _, v := range rs {
			mn, mx = math.Min(mn, v), math.Max(mx, v)
		}
		utils.Debugf("Attn: head0 A row-sum min/max = %.4f/%.4f (Tq=%d Tk=%d)", mn, mx, Tq, Tk)
	}

	return utils.Dot(attn.Woutput.W, headsCat)
}

// Backward accumulates weight grads and returns the gradients with respect to
// Xq and Xkv. For self-attention the caller adds the two.
func (attn *Attention) Backward(dY *mat.Dense) (dXq, dXkv *mat.Dense) {
	_, Tq := attn.Xq.Dims()
	_, Tk := attn.Xkv.Dims()

	// Y = Wout * Ocat
	attn.Woutput.Accumulate(utils.Dot(dY, attn.O_cat.T()))
	dOcat := utils.Dot(attn.Woutput.W.T(), dY)

	dXq = mat.NewDense(attn.DModel, Tq, nil)
	dXkv = mat.NewDense(attn.DModel, Tk, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		row := h * attn.DHead
		dO := dOcat.Slice(row, row+attn.DHead, 0, Tq)

		// O = V * A^T
		dV := utils.Dot(dO, attn.A[h])     // (dHead x Tk)
		dA := utils.Dot(dO.T(), attn.V[h]) // (Tq x Tk)
		dS := utils.SoftmaxBackward(dA, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dQ := utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())) // (dHead x Tq)
		dK := utils.Scale(rescale, utils.Dot(attn.Q[h], dS))     // (dHead x Tk)

		attn.Wquery[h].Accumulate(utils.Dot(dQ, attn.Xq.T()))
		attn.Wkey[h].Accumulate(utils.Dot(dK, attn.Xkv.T()))
		attn.Wvalue[h].Accumulate(utils.Dot(dV, attn.Xkv.T()))

		dXq.Add(dXq, utils.Dot(attn.Wquery[h].W.T(), dQ))
		dXkv.Add(dXkv, utils.Dot(attn.Wkey[h].W.T(), dK))
		dXkv.Add(dXkv, utils.Dot(attn.Wvalue[h].W.T(), dV))
	}
	return dXq, dXkv
}

// Weights returns the per-head attention matrices of the last Forward.
func (attn *Attention) Weights() []*mat.Dense {
	return append([]*mat.Dense(nil), attn.A...)
}

func (attn *Attention) Params() []*optimizations.Param {
	ps := make([]*optimizations.Param, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		ps = append(ps, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(ps, attn.Woutput)
}
