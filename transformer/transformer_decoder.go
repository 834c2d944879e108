package transformer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/IO"
	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/params"
	"github.com/HephaestusProject/go-transformer/utils"
)

// DecoderLayer is a post-norm block:
//
//	x = LN1(x + SelfAttn(x))        causal and padding masked
//	x = LN2(x + CrossAttn(x, enc))  source padding masked
//	x = LN3(x + MLP(x))
type DecoderLayer struct {
	SelfAttn  *Attention
	CrossAttn *Attention
	Mlp       *MLP
	Ln1       *optimizations.LayerNorm
	Ln2       *optimizations.LayerNorm
	Ln3       *optimizations.LayerNorm
}

func NewDecoderLayer(name string, mp params.ModelParams) *DecoderLayer {
	return &DecoderLayer{
		SelfAttn:  NewAttention(name+".self_attn", mp.DimModel, mp.NumHeads),
		CrossAttn: NewAttention(name+".cross_attn", mp.DimModel, mp.NumHeads),
		Mlp:       NewMLP(name+".mlp", mp.DimModel, mp.DimFeedforward),
		Ln1:       optimizations.NewLayerNorm(name+".ln1", mp.DimModel, mp.LayerNormEps),
		Ln2:       optimizations.NewLayerNorm(name+".ln2", mp.DimModel, mp.LayerNormEps),
		Ln3:       optimizations.NewLayerNorm(name+".ln3", mp.DimModel, mp.LayerNormEps),
	}
}

func (l *DecoderLayer) Forward(X, enc, selfMask, crossMask *mat.Dense) *mat.Dense {
	x1 := l.Ln1.Forward(utils.Add(X, l.SelfAttn.Forward(X, X, selfMask)))
	x2 := l.Ln2.Forward(utils.Add(x1, l.CrossAttn.Forward(x1, enc, crossMask)))
	return l.Ln3.Forward(utils.Add(x2, l.Mlp.Forward(x2)))
}

// Backward returns the gradients with respect to the layer input and the
// encoder output it attended to.
func (l *DecoderLayer) Backward(dY *mat.Dense) (dX, dEnc *mat.Dense) {
	dRes3 := l.Ln3.Backward(dY)
	dX2 := utils.Add(dRes3, l.Mlp.Backward(dRes3))

	dRes2 := l.Ln2.Backward(dX2)
	dXq, dEnc := l.CrossAttn.Backward(dRes2)
	dX1 := utils.Add(dRes2, dXq)

	dRes1 := l.Ln1.Backward(dX1)
	dSq, dSkv := l.SelfAttn.Backward(dRes1)
	return utils.Sum(dRes1, dSq, dSkv), dEnc
}

func (l *DecoderLayer) Params() []*optimizations.Param {
	ps := l.SelfAttn.Params()
	ps = append(ps, l.CrossAttn.Params()...)
	ps = append(ps, l.Mlp.Params()...)
	ps = append(ps, l.Ln1.Params()...)
	ps = append(ps, l.Ln2.Params()...)
	return append(ps, l.Ln3.Params()...)
}

// Decoder embeds the target and runs it through the decoder stack,
// attending to the encoder output.
type Decoder struct {
	Config    params.ModelParams
	Embedding *Embedding
	Layers    []*DecoderLayer
}

func NewDecoder(cfg params.Config, paddingIdx int) *Decoder {
	mp := cfg.Model.ModelParams
	dec := &Decoder{
		Config:    mp,
		Embedding: NewEmbedding("decoder.embedding", mp.DimModel, cfg.Tokenizer.VocabSize, paddingIdx),
		Layers:    make([]*DecoderLayer, mp.NumLayers),
	}
	for i := range dec.Layers {
		dec.Layers[i] = NewDecoderLayer(fmt.Sprintf("decoder.layer.%d", i), mp)
	}
	return dec
}

// Forward decodes a batch against enc and returns one (dModel x T) matrix per
// sequence with the target mask passed through.
func (dec *Decoder) Forward(ids [][]int, mask [][]bool, enc EncoderOutput) ([]*mat.Dense, [][]bool, error) {
	tgt := IO.Sequence{PaddedToken: ids, Mask: mask}
	if err := tgt.Check("decoder"); err != nil {
		return nil, nil, err
	}
	if len(enc.Hidden) != len(ids) || len(enc.Mask) != len(ids) {
		return nil, nil, IO.ShapeErrorf("decoder", "target batch %d, encoder batch %d", len(ids), len(enc.Hidden))
	}
	out := make([]*mat.Dense, len(ids))
	for b := range ids {
		h, err := dec.decode(ids[b], mask[b], enc.Hidden[b], enc.Mask[b])
		if err != nil {
			return nil, nil, err
		}
		out[b] = h
	}
	return out, mask, nil
}

func (dec *Decoder) decode(ids []int, mask []bool, encHidden *mat.Dense, encMask []bool) (*mat.Dense, error) {
	if len(ids) == 0 {
		return nil, IO.ShapeErrorf("decoder", "empty target sequence")
	}
	if _, s := encHidden.Dims(); s != len(encMask) {
		return nil, IO.ShapeErrorf("decoder", "encoder output has %d positions, mask %d", s, len(encMask))
	}
	x, err := dec.Embedding.Forward(ids)
	if err != nil {
		return nil, err
	}
	selfMask := utils.AttentionMask(len(ids), mask, true)
	crossMask := utils.AttentionMask(len(ids), encMask, false)
	for _, l := range dec.Layers {
		x = l.Forward(x, encHidden, selfMask, crossMask)
	}
	return x, nil
}

// backward propagates dH through the last decoded sequence and returns the
// gradient for the encoder output, summed over layers.
func (dec *Decoder) backward(dH *mat.Dense) *mat.Dense {
	var dEnc *mat.Dense
	for i := len(dec.Layers) - 1; i >= 0; i-- {
		var d *mat.Dense
		dH, d = dec.Layers[i].Backward(dH)
		if dEnc == nil {
			dEnc = d
		} else {
			dEnc.Add(dEnc, d)
		}
	}
	dec.Embedding.Backward(dH)
	return dEnc
}

func (dec *Decoder) Params() []*optimizations.Param {
	ps := dec.Embedding.Params()
	for _, l := range dec.Layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}
