package transformer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/IO"
	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/params"
	"github.com/HephaestusProject/go-transformer/utils"
)

// EncoderLayer is a post-norm block:
//
//	x = LN1(x + SelfAttn(x))
//	x = LN2(x + MLP(x))
type EncoderLayer struct {
	SelfAttn *Attention
	Mlp      *MLP
	Ln1      *optimizations.LayerNorm
	Ln2      *optimizations.LayerNorm
}

func NewEncoderLayer(name string, mp params.ModelParams) *EncoderLayer {
	return &EncoderLayer{
		SelfAttn: NewAttention(name+".self_attn", mp.DimModel, mp.NumHeads),
		Mlp:      NewMLP(name+".mlp", mp.DimModel, mp.DimFeedforward),
		Ln1:      optimizations.NewLayerNorm(name+".ln1", mp.DimModel, mp.LayerNormEps),
		Ln2:      optimizations.NewLayerNorm(name+".ln2", mp.DimModel, mp.LayerNormEps),
	}
}

func (l *EncoderLayer) Forward(X, mask *mat.Dense) *mat.Dense {
	x1 := l.Ln1.Forward(utils.Add(X, l.SelfAttn.Forward(X, X, mask)))
	return l.Ln2.Forward(utils.Add(x1, l.Mlp.Forward(x1)))
}

func (l *EncoderLayer) Backward(dY *mat.Dense) *mat.Dense {
	dRes2 := l.Ln2.Backward(dY)
	dX1 := utils.Add(dRes2, l.Mlp.Backward(dRes2))
	dRes1 := l.Ln1.Backward(dX1)
	dXq, dXkv := l.SelfAttn.Backward(dRes1)
	return utils.Sum(dRes1, dXq, dXkv)
}

func (l *EncoderLayer) Params() []*optimizations.Param {
	ps := l.SelfAttn.Params()
	ps = append(ps, l.Mlp.Params()...)
	ps = append(ps, l.Ln1.Params()...)
	return append(ps, l.Ln2.Params()...)
}

// Encoder embeds the source and runs it through the encoder stack.
type Encoder struct {
	Config    params.ModelParams
	Embedding *Embedding
	Layers    []*EncoderLayer
}

// EncoderOutput is what the decoder consumes. Hidden holds one (dModel x S)
// matrix per sequence; Mask is the source mask, unchanged, for
// cross-attention; Attention holds the last layer's per-head weights.
type EncoderOutput struct {
	Hidden    []*mat.Dense
	Mask      [][]bool
	Attention [][]*mat.Dense
}

// NewEncoder sizes the encoder from the model and tokenizer configuration.
func NewEncoder(cfg params.Config, paddingIdx int) *Encoder {
	mp := cfg.Model.ModelParams
	enc := &Encoder{
		Config:    mp,
		Embedding: NewEmbedding("encoder.embedding", mp.DimModel, cfg.Tokenizer.VocabSize, paddingIdx),
		Layers:    make([]*EncoderLayer, mp.NumLayers),
	}
	for i := range enc.Layers {
		enc.Layers[i] = NewEncoderLayer(fmt.Sprintf("encoder.layer.%d", i), mp)
	}
	return enc
}

// Forward encodes a batch. Caches hold the last sequence only, so training
// goes through Model.AccumulateGradients instead.
func (enc *Encoder) Forward(ids [][]int, mask [][]bool) (EncoderOutput, error) {
	src := IO.Sequence{PaddedToken: ids, Mask: mask}
	if err := src.Check("encoder"); err != nil {
		return EncoderOutput{}, err
	}
	out := EncoderOutput{
		Hidden:    make([]*mat.Dense, len(ids)),
		Mask:      mask,
		Attention: make([][]*mat.Dense, len(ids)),
	}
	for b := range ids {
		h, err := enc.encode(ids[b], mask[b])
		if err != nil {
			return EncoderOutput{}, err
		}
		out.Hidden[b] = h
		out.Attention[b] = enc.Layers[len(enc.Layers)-1].SelfAttn.Weights()
	}
	return out, nil
}

func (enc *Encoder) encode(ids []int, mask []bool) (*mat.Dense, error) {
	if len(ids) == 0 {
		return nil, IO.ShapeErrorf("encoder", "empty source sequence")
	}
	x, err := enc.Embedding.Forward(ids)
	if err != nil {
		return nil, err
	}
	attnMask := utils.AttentionMask(len(ids), mask, false)
	for _, l := range enc.Layers {
		x = l.Forward(x, attnMask)
	}
	return x, nil
}

// backward propagates dH through the last encoded sequence.
func (enc *Encoder) backward(dH *mat.Dense) {
	for i := len(enc.Layers) - 1; i >= 0; i-- {
		dH = enc.Layers[i].Backward(dH)
	}
	enc.Embedding.Backward(dH)
}

func (enc *Encoder) Params() []*optimizations.Param {
	ps := enc.Embedding.Params()
	for _, l := range enc.Layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}
