package transformer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/IO"
	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/utils"
)

// Embedding maps token ids to sqrt(dModel)-scaled vectors plus the sinusoidal
// position encoding. The padding column is zero and never receives a grad.
type Embedding struct {
	DModel     int
	VocabSize  int
	PaddingIdx int
	Table      *optimizations.Param // (dModel x vocab)

	posCache map[int]*mat.Dense
	lastIDs  []int
}

func NewEmbedding(name string, dModel, vocabSize, paddingIdx int) *Embedding {
	w := mat.NewDense(dModel, vocabSize, utils.NormalArray(dModel*vocabSize, math.Pow(float64(dModel), -0.5)))
	if paddingIdx >= 0 && paddingIdx < vocabSize {
		for i := 0; i < dModel; i++ {
			w.Set(i, paddingIdx, 0)
		}
	}
	return &Embedding{
		DModel:     dModel,
		VocabSize:  vocabSize,
		PaddingIdx: paddingIdx,
		Table:      optimizations.NewParam(name+".table", w),
		posCache:   make(map[int]*mat.Dense),
	}
}

// Forward returns (dModel x len(ids)).
func (e *Embedding) Forward(ids []int) (*mat.Dense, error) {
	T := len(ids)
	pe := e.positions(T)
	scale := math.Sqrt(float64(e.DModel))
	out := mat.NewDense(e.DModel, T, nil)
	for t, id := range ids {
		if id < 0 || id >= e.VocabSize {
			return nil, IO.ShapeErrorf("embedding", "token id %d at position %d outside vocabulary of %d", id, t, e.VocabSize)
		}
		for i := 0; i < e.DModel; i++ {
			out.Set(i, t, scale*e.Table.W.At(i, id)+pe.At(i, t))
		}
	}
	e.lastIDs = ids
	return out, nil
}

func (e *Embedding) Backward(dX *mat.Dense) {
	scale := math.Sqrt(float64(e.DModel))
	for t, id := range e.lastIDs {
		if id == e.PaddingIdx {
			continue
		}
		for i := 0; i < e.DModel; i++ {
			e.Table.Grad.Set(i, id, e.Table.Grad.At(i, id)+scale*dX.At(i, t))
		}
	}
}

// positions returns PE (dModel x T):
// PE[2i, pos] = sin(pos / 10000^(2i/d)), PE[2i+1, pos] = cos(pos / 10000^(2i/d)).
func (e *Embedding) positions(T int) *mat.Dense {
	if pe, ok := e.posCache[T]; ok {
		return pe
	}
	pe := SinusoidalPositions(e.DModel, T)
	e.posCache[T] = pe
	return pe
}

func SinusoidalPositions(dModel, T int) *mat.Dense {
	pe := mat.NewDense(dModel, T, nil)
	for i := 0; i < dModel; i += 2 {
		freq := math.Pow(10000, -float64(i)/float64(dModel))
		for pos := 0; pos < T; pos++ {
			pe.Set(i, pos, math.Sin(float64(pos)*freq))
			if i+1 < dModel {
				pe.Set(i+1, pos, math.Cos(float64(pos)*freq))
			}
		}
	}
	return pe
}

func (e *Embedding) Params() []*optimizations.Param { return []*optimizations.Param{e.Table} }
