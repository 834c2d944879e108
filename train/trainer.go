package train

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/HephaestusProject/go-transformer/IO"
	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/transformer"
	"github.com/HephaestusProject/go-transformer/utils"
)

// Options controls Fit.
type Options struct {
	Epochs    int
	SaveDir   string // "" disables checkpoints
	SaveEvery int    // epochs between last_epoch.gob saves; 0 disables
	Patience  int    // epochs without eval improvement before stopping; 0 disables
	LogEvery  int    // steps between progress lines; 0 disables
}

// Result summarizes a Fit run.
type Result struct {
	Epochs    int
	Steps     int
	TrainLoss float64 // last epoch, token weighted
	EvalLoss  float64 // last epoch; NaN without an eval set
	BestEval  float64
}

// Trainer owns the optimizer and schedule for a model and runs data-parallel
// steps across replicas.
type Trainer struct {
	Model     *transformer.Model
	Optimizer *optimizations.Adam
	Scheduler *optimizations.LambdaLR
	Workers   int

	replicas []*transformer.Model
}

func New(m *transformer.Model, workers int) (*Trainer, error) {
	opt, sched, err := m.BuildOptimizer()
	if err != nil {
		return nil, err
	}
	tr := &Trainer{Model: m, Optimizer: opt, Scheduler: sched, Workers: max(workers, 1)}
	if tr.Workers > 1 {
		tr.replicas = make([]*transformer.Model, tr.Workers)
		for i := range tr.replicas {
			tr.replicas[i] = m.Replica()
		}
	}
	return tr, nil
}

// TrainStep computes the batch loss and gradient, then applies one optimizer
// update and advances the schedule. On error no update happens.
func (tr *Trainer) TrainStep(batch IO.Batch) (float64, error) {
	sum, n, err := tr.accumulate(batch)
	if err != nil {
		tr.Model.ZeroGrad()
		return 0, err
	}
	tr.Optimizer.Step()
	tr.Scheduler.Step()
	tr.Model.ZeroGrad()
	return sum / float64(n), nil
}

// accumulate leaves the gradient of the mean batch loss in the model's
// parameters and returns the loss sum and the number of scored targets.
func (tr *Trainer) accumulate(batch IO.Batch) (float64, int, error) {
	tr.Model.ZeroGrad()
	n := batch.TargetTokenCount(tr.Model.PaddingIdx)
	if n == 0 {
		return 0, 0, utils.ErrNoTargets
	}
	shards := batch.Split(tr.Workers)
	if len(shards) == 1 || len(tr.replicas) == 0 {
		return tr.Model.AccumulateGradients(batch, float64(n))
	}

	sums := make([]float64, len(shards))
	counts := make([]int, len(shards))
	errs := make([]error, len(shards))
	var wg sync.WaitGroup
	wg.Add(len(shards))
	for i, shard := range shards {
		go func() {
			defer wg.Done()
			r := tr.replicas[i]
			r.ZeroGrad()
			sums[i], counts[i], errs[i] = r.AccumulateGradients(shard, float64(n))
		}()
	}
	wg.Wait()

	sum, count := 0.0, 0
	for i := range shards {
		if errs[i] != nil {
			return 0, 0, errors.Wrapf(errs[i], "worker %d", i)
		}
		sum += sums[i]
		count += counts[i]
	}
	tr.Model.ReduceGrads(tr.replicas[:len(shards)]...)
	return sum, count, nil
}

// Evaluate returns the loss over every scored target of batches. Batches
// without targets are skipped.
func (tr *Trainer) Evaluate(batches []IO.Batch) (float64, error) {
	total, count := 0.0, 0
	for i, b := range batches {
		n := b.TargetTokenCount(tr.Model.PaddingIdx)
		if n == 0 {
			continue
		}
		loss, err := tr.Model.EvaluationStep(b)
		if err != nil {
			return 0, errors.Wrapf(err, "eval batch %d", i)
		}
		total += loss * float64(n)
		count += n
	}
	if count == 0 {
		return 0, utils.ErrNoTargets
	}
	return total / float64(count), nil
}

// Fit trains for opts.Epochs over trainSet, evaluating on evalSet after each
// epoch. It stops early on cancellation (checked between steps) or after
// opts.Patience epochs without a better eval loss.
func (tr *Trainer) Fit(ctx context.Context, trainSet, evalSet []IO.Batch, opts Options) (Result, error) {
	res := Result{EvalLoss: math.NaN(), BestEval: math.Inf(1)}
	noImprovementCount := 0

	for e := 0; e < opts.Epochs; e++ {
		start := time.Now()
		var totalTokenLoss float64
		var tokenCounter int

		for _, b := range trainSet {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			n := b.TargetTokenCount(tr.Model.PaddingIdx)
			if n == 0 {
				continue
			}
			loss, err := tr.TrainStep(b)
			if err != nil {
				return res, errors.Wrapf(err, "epoch %d step %d", e, res.Steps)
			}
			res.Steps++
			totalTokenLoss += loss * float64(n)
			tokenCounter += n
			if opts.LogEvery > 0 && res.Steps%opts.LogEvery == 0 {
				utils.Logf("Step %d - Loss: %.4f, LR: %.3g", res.Steps, loss, tr.Scheduler.LR())
			}
		}
		res.Epochs = e + 1
		if tokenCounter > 0 {
			res.TrainLoss = totalTokenLoss / float64(tokenCounter)
		}

		improved := false
		if len(evalSet) > 0 {
			evalLoss, err := tr.Evaluate(evalSet)
			if err != nil {
				return res, err
			}
			res.EvalLoss = evalLoss
			if evalLoss < res.BestEval {
				res.BestEval = evalLoss
				improved = true
			}
		}
		utils.Logf("Epoch %d - TrainTokLoss: %.4f, TrainPPL: %.1f, EvalLoss: %.4f, EvalPPL: %.1f, Time: %v",
			e, res.TrainLoss, math.Exp(res.TrainLoss), res.EvalLoss, math.Exp(res.EvalLoss), time.Since(start))
		utils.Debugf("After epoch %d: enc.Wq[0] norm=%.6g dec.MLP.hidden norm=%.6g",
			e+1,
			utils.MatrixNorm(tr.Model.Encoder.Layers[0].SelfAttn.Wquery[0].W),
			utils.MatrixNorm(tr.Model.Decoder.Layers[0].Mlp.Hidden.Weight.W),
		)

		if opts.SaveDir != "" {
			if improved {
				if err := tr.Save(filepath.Join(opts.SaveDir, "best_model.gob")); err != nil {
					return res, err
				}
			}
			if opts.SaveEvery > 0 && (e+1)%opts.SaveEvery == 0 {
				if err := tr.Save(filepath.Join(opts.SaveDir, "last_epoch.gob")); err != nil {
					return res, err
				}
				utils.Logf("Saved checkpoint at epoch %d", e+1)
			}
		}

		if improved {
			noImprovementCount = 0
		} else if len(evalSet) > 0 {
			noImprovementCount++
		}
		if opts.Patience > 0 && noImprovementCount >= opts.Patience {
			utils.Logf("Stopping training early due to lack of improvement in eval loss.")
			break
		}
	}
	return res, nil
}

// Save checkpoints the model together with the optimizer state.
func (tr *Trainer) Save(filename string) error {
	return tr.Model.Save(filename, tr.Optimizer)
}

// Resume loads a checkpoint written by Save and moves the schedule to the
// restored optimizer step.
func (tr *Trainer) Resume(filename string) error {
	if err := tr.Model.Load(filename, tr.Optimizer); err != nil {
		return err
	}
	tr.Scheduler.Restore(tr.Optimizer.T)
	return nil
}
