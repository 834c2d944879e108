package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/optimizations"
)

// Replica creates a shallow clone of the model where all weights are shared
// (read-only), but per-module caches and gradients are private to avoid
// races. Safe for concurrent AccumulateGradients on different shards as long
// as no optimizer step runs at the same time.
func (m *Model) Replica() *Model {
	out := &Model{
		Config:     m.Config,
		PaddingIdx: m.PaddingIdx,
		Encoder: &Encoder{
			Config:    m.Encoder.Config,
			Embedding: m.Encoder.Embedding.replica(),
			Layers:    make([]*EncoderLayer, len(m.Encoder.Layers)),
		},
		Decoder: &Decoder{
			Config:    m.Decoder.Config,
			Embedding: m.Decoder.Embedding.replica(),
			Layers:    make([]*DecoderLayer, len(m.Decoder.Layers)),
		},
		Linear: m.Linear.replica(),
	}
	for i, src := range m.Encoder.Layers {
		out.Encoder.Layers[i] = &EncoderLayer{
			SelfAttn: src.SelfAttn.replica(),
			Mlp:      src.Mlp.replica(),
			Ln1:      src.Ln1.Replica(),
			Ln2:      src.Ln2.Replica(),
		}
	}
	for i, src := range m.Decoder.Layers {
		out.Decoder.Layers[i] = &DecoderLayer{
			SelfAttn:  src.SelfAttn.replica(),
			CrossAttn: src.CrossAttn.replica(),
			Mlp:       src.Mlp.replica(),
			Ln1:       src.Ln1.Replica(),
			Ln2:       src.Ln2.Replica(),
			Ln3:       src.Ln3.Replica(),
		}
	}
	return out
}

func (attn *Attention) replica() *Attention {
	a := &Attention{
		H:       attn.H,
		DModel:  attn.DModel,
		DHead:   attn.DHead,
		Wquery:  shadowAll(attn.Wquery),
		Wkey:    shadowAll(attn.Wkey),
		Wvalue:  shadowAll(attn.Wvalue),
		Woutput: attn.Woutput.Shadow(),
		// avoid head-level goroutines inside a worker to reduce oversubscription
		parallel: false,
	}
	a.allocCache()
	return a
}

func (l *Linear) replica() *Linear {
	return &Linear{In: l.In, Out: l.Out, Weight: l.Weight.Shadow(), Bias: l.Bias.Shadow()}
}

func (mlp *MLP) replica() *MLP {
	return &MLP{
		Inputs:  mlp.Inputs,
		Hiddens: mlp.Hiddens,
		Outputs: mlp.Outputs,
		Hidden:  mlp.Hidden.replica(),
		Output:  mlp.Output.replica(),
	}
}

func (e *Embedding) replica() *Embedding {
	return &Embedding{
		DModel:     e.DModel,
		VocabSize:  e.VocabSize,
		PaddingIdx: e.PaddingIdx,
		Table:      e.Table.Shadow(),
		posCache:   make(map[int]*mat.Dense),
	}
}

func shadowAll(ps []*optimizations.Param) []*optimizations.Param {
	out := make([]*optimizations.Param, len(ps))
	for i, p := range ps {
		out[i] = p.Shadow()
	}
	return out
}

// ReduceGrads adds the gradients of every replica into the matching
// parameters of m. Replicas must come from m.Replica.
func (m *Model) ReduceGrads(replicas ...*Model) {
	dst := m.Parameters()
	for _, r := range replicas {
		for i, p := range r.Parameters() {
			dst[i].Accumulate(p.Grad)
		}
	}
}
