package transformer

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/IO"
	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/params"
	"github.com/HephaestusProject/go-transformer/utils"
)

// TrainableModel is what a training loop needs from a model.
type TrainableModel interface {
	Forward(srcIDs [][]int, srcMask [][]bool, tgtIDs [][]int, tgtMask [][]bool) ([]*mat.Dense, error)
	ComputeLoss(batch IO.Batch) (float64, error)
	BuildOptimizer() (*optimizations.Adam, *optimizations.LambdaLR, error)
}

var _ TrainableModel = (*Model)(nil)

// Model is the encoder-decoder translation model with its output projection.
// A Model caches activations for backprop and serves one step at a time; use
// Replica for concurrent workers.
type Model struct {
	Config     params.Config
	PaddingIdx int
	Encoder    *Encoder
	Decoder    *Decoder
	Linear     *Linear // dModel -> vocab
}

// Build resolves the configuration for (langpair, size) under root, loads
// the tokenizer it names and constructs the model.
func Build(langpair string, size params.SizeVariant, root string) (*Model, *IO.BPETokenizer, error) {
	cfg, err := params.GetConfigs(root, langpair, size)
	if err != nil {
		return nil, nil, err
	}
	tok, err := IO.LoadTokenizer(cfg.Tokenizer)
	if err != nil {
		return nil, nil, err
	}
	m, err := NewModel(cfg, tok)
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}

// NewModel constructs a freshly initialised model for cfg. vocab must be the
// vocabulary that produces the model's token ids.
func NewModel(cfg params.Config, vocab IO.Vocab) (*Model, error) {
	lp, err := params.NormalizeLangPair(cfg.LangPair)
	if err != nil {
		return nil, err
	}
	cfg.LangPair = lp
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if n := vocab.Size(); n != cfg.Tokenizer.VocabSize {
		return nil, &params.ConfigurationError{
			Reason: fmt.Sprintf("tokenizer has %d tokens, config declares vocab_size %d", n, cfg.Tokenizer.VocabSize),
		}
	}
	pad, ok := vocab.ID(cfg.Tokenizer.PadToken)
	if !ok {
		return nil, &params.ConfigurationError{
			Reason: fmt.Sprintf("padding token %q is not in the vocabulary", cfg.Tokenizer.PadToken),
		}
	}
	mp := cfg.Model.ModelParams
	m := &Model{
		Config:     cfg,
		PaddingIdx: pad,
		Encoder:    NewEncoder(cfg, pad),
		Decoder:    NewDecoder(cfg, pad),
		Linear:     NewLinear("linear", mp.DimModel, cfg.Tokenizer.VocabSize),
	}
	utils.Debugf("Model: %s/%s d=%d layers=%d heads=%d ff=%d vocab=%d pad=%d params=%d",
		cfg.LangPair, cfg.Size, mp.DimModel, mp.NumLayers, mp.NumHeads, mp.DimFeedforward,
		cfg.Tokenizer.VocabSize, pad, m.NumParams())
	return m, nil
}

// Forward returns one (T x vocab) logit matrix per target sequence.
func (m *Model) Forward(srcIDs [][]int, srcMask [][]bool, tgtIDs [][]int, tgtMask [][]bool) ([]*mat.Dense, error) {
	batch := IO.Batch{
		Source: IO.Sequence{PaddedToken: srcIDs, Mask: srcMask},
		Target: IO.Sequence{PaddedToken: tgtIDs, Mask: tgtMask},
	}
	if err := m.checkBatch("forward", batch, 1); err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, len(tgtIDs))
	for b := range tgtIDs {
		logits, err := m.forwardSeq(srcIDs[b], srcMask[b], tgtIDs[b], tgtMask[b])
		if err != nil {
			return nil, err
		}
		out[b] = mat.DenseCopyOf(logits.T())
	}
	return out, nil
}

// forwardSeq returns the (vocab x T) logits of one sentence pair.
func (m *Model) forwardSeq(src []int, srcMask []bool, tgt []int, tgtMask []bool) (*mat.Dense, error) {
	encHidden, err := m.Encoder.encode(src, srcMask)
	if err != nil {
		return nil, err
	}
	decHidden, err := m.Decoder.decode(tgt, tgtMask, encHidden, srcMask)
	if err != nil {
		return nil, err
	}
	return m.Linear.Forward(decHidden), nil
}

// backwardSeq propagates (vocab x T) logit grads through the last forwardSeq.
func (m *Model) backwardSeq(dLogits *mat.Dense) {
	dDec := m.Linear.Backward(dLogits)
	dEnc := m.Decoder.backward(dDec)
	m.Encoder.backward(dEnc)
}

// Realign turns (T x vocab) logits and (T) target ids into the
// (vocab x T-1) predictions and (T-1) gold ids the loss compares: logits
// are transposed and lose their last column, targets lose their first id.
// Neither input is modified.
func Realign(logits []*mat.Dense, target [][]int) ([]*mat.Dense, [][]int, error) {
	if len(logits) != len(target) {
		return nil, nil, IO.ShapeErrorf("realign", "%d logit rows, %d target rows", len(logits), len(target))
	}
	pred := make([]*mat.Dense, len(logits))
	gold := make([][]int, len(logits))
	for b, l := range logits {
		p, g, err := realignSeq(mat.DenseCopyOf(l.T()), target[b])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "sequence %d", b)
		}
		pred[b], gold[b] = p, g
	}
	return pred, gold, nil
}

func realignSeq(vt *mat.Dense, target []int) (*mat.Dense, []int, error) {
	V, T := vt.Dims()
	if T != len(target) {
		return nil, nil, IO.ShapeErrorf("realign", "%d logit positions, %d target ids", T, len(target))
	}
	if T < 2 {
		return nil, nil, IO.ShapeErrorf("realign", "target length %d leaves nothing to predict", T)
	}
	return vt.Slice(0, V, 0, T-1).(*mat.Dense), append([]int(nil), target[1:]...), nil
}

// ComputeLoss is the mean cross-entropy of the next-token predictions over
// every non-padding target position after the first.
func (m *Model) ComputeLoss(batch IO.Batch) (float64, error) {
	if err := m.checkBatch("loss", batch, 2); err != nil {
		return 0, err
	}
	logits, err := m.Forward(batch.Source.PaddedToken, batch.Source.Mask, batch.Target.PaddedToken, batch.Target.Mask)
	if err != nil {
		return 0, err
	}
	pred, gold, err := Realign(logits, batch.Target.PaddedToken)
	if err != nil {
		return 0, err
	}
	return utils.MaskedCrossEntropy(pred, gold, m.PaddingIdx)
}

// EvaluationStep scores a held-out batch. It is ComputeLoss.
func (m *Model) EvaluationStep(batch IO.Batch) (float64, error) {
	return m.ComputeLoss(batch)
}

// TrainingStep returns the same loss as ComputeLoss and accumulates its
// gradient into every parameter. The optimizer update is left to the caller.
func (m *Model) TrainingStep(batch IO.Batch) (float64, error) {
	if err := m.checkBatch("train", batch, 2); err != nil {
		return 0, err
	}
	n := batch.TargetTokenCount(m.PaddingIdx)
	if n == 0 {
		return 0, utils.ErrNoTargets
	}
	sum, _, err := m.AccumulateGradients(batch, float64(n))
	if err != nil {
		return 0, err
	}
	return sum / float64(n), nil
}

// AccumulateGradients adds d(lossSum / normalizer) into every parameter grad
// and returns the summed loss and the number of scored positions. Workers of
// a data-parallel step share the normalizer of the whole batch.
func (m *Model) AccumulateGradients(batch IO.Batch, normalizer float64) (float64, int, error) {
	if err := m.checkBatch("train", batch, 2); err != nil {
		return 0, 0, err
	}
	if normalizer <= 0 {
		return 0, 0, fmt.Errorf("train: normalizer must be positive, got %g", normalizer)
	}
	src, tgt := batch.Source, batch.Target
	lossSum, tokens := 0.0, 0
	for b := range tgt.PaddedToken {
		logits, err := m.forwardSeq(src.PaddedToken[b], src.Mask[b], tgt.PaddedToken[b], tgt.Mask[b])
		if err != nil {
			return 0, 0, err
		}
		pred, gold, err := realignSeq(logits, tgt.PaddedToken[b])
		if err != nil {
			return 0, 0, err
		}
		loss, n, grad, err := utils.CrossEntropySum(pred, gold, m.PaddingIdx)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "sequence %d", b)
		}
		lossSum += loss
		tokens += n
		if n == 0 {
			continue
		}
		V, T := logits.Dims()
		dLogits := mat.NewDense(V, T, nil)
		dLogits.Slice(0, V, 0, T-1).(*mat.Dense).Scale(1/normalizer, grad)
		m.backwardSeq(dLogits)
	}
	return lossSum, tokens, nil
}

// checkBatch validates everything a step needs before any computation, so a
// failing step leaves gradients untouched. minTarget is the shortest usable
// target length.
func (m *Model) checkBatch(op string, batch IO.Batch, minTarget int) error {
	if err := batch.Source.Validate(op, m.PaddingIdx); err != nil {
		return err
	}
	if err := batch.Target.Validate(op, m.PaddingIdx); err != nil {
		return err
	}
	bs, s := batch.Source.Dims()
	bt, t := batch.Target.Dims()
	if bs != bt {
		return IO.ShapeErrorf(op, "source batch %d, target batch %d", bs, bt)
	}
	if bs == 0 {
		return nil
	}
	if s == 0 {
		return IO.ShapeErrorf(op, "empty source sequences")
	}
	if t < minTarget {
		return IO.ShapeErrorf(op, "target length %d, need at least %d", t, minTarget)
	}
	V := m.Config.Tokenizer.VocabSize
	for _, seq := range []IO.Sequence{batch.Source, batch.Target} {
		for i, row := range seq.PaddedToken {
			for j, id := range row {
				if id < 0 || id >= V {
					return IO.ShapeErrorf(op, "token id %d at [%d][%d] outside vocabulary of %d", id, i, j, V)
				}
			}
		}
	}
	return nil
}

// LRScale is the warmup schedule for this model's dim_model and
// warmup_steps.
func (m *Model) LRScale(step int) float64 {
	return optimizations.InverseSqrtWarmup(step,
		m.Config.Model.ModelParams.DimModel, m.Config.Model.TrainHparams.WarmupSteps)
}

// BuildOptimizer returns Adam over every parameter with the configured betas
// and eps, and the schedule that drives its LR (base LR 1).
func (m *Model) BuildOptimizer() (*optimizations.Adam, *optimizations.LambdaLR, error) {
	hp := m.Config.Model.TrainHparams
	opt, err := optimizations.NewAdam(m.Parameters(), 1.0, hp.Beta1, hp.Beta2, hp.Eps)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build optimizer")
	}
	opt.GradClip = hp.GradClip
	return opt, optimizations.NewLambdaLR(opt, m.LRScale), nil
}

// Parameters lists every trainable parameter in a fixed order.
func (m *Model) Parameters() []*optimizations.Param {
	ps := m.Encoder.Params()
	ps = append(ps, m.Decoder.Params()...)
	return append(ps, m.Linear.Params()...)
}

func (m *Model) ZeroGrad() { optimizations.ZeroGrads(m.Parameters()) }

// NumParams counts scalar weights.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Parameters() {
		r, c := p.W.Dims()
		n += r * c
	}
	return n
}
