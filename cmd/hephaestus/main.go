package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/HephaestusProject/go-transformer/IO"
	"github.com/HephaestusProject/go-transformer/params"
	"github.com/HephaestusProject/go-transformer/train"
	"github.com/HephaestusProject/go-transformer/transformer"
	"github.com/HephaestusProject/go-transformer/utils"
)

var (
	langpairFlag string
	sizeFlag     string
	rootFlag     string
	srcFlag      string
	tgtFlag      string
	validSrcFlag string
	validTgtFlag string
	epochsFlag   int
	batchFlag    int
	workersFlag  int
	saveFlag     string
	resumeFlag   string
	patienceFlag int
	logEveryFlag int
	debugFlag    bool
)

func init() {
	flag.StringVar(&langpairFlag, "langpair", "de-en", "Language pair (de-en, en-de, deen, ende)")
	flag.StringVar(&sizeFlag, "size", "base", "Model size (base, big)")
	flag.StringVar(&rootFlag, "root", ".", "Directory holding configs/ (optional) and tokenizer/")
	flag.StringVar(&srcFlag, "src", "", "Training source file (default: dataset config)")
	flag.StringVar(&tgtFlag, "tgt", "", "Training target file (default: dataset config)")
	flag.StringVar(&validSrcFlag, "valid-src", "", "Validation source file (default: dataset config)")
	flag.StringVar(&validTgtFlag, "valid-tgt", "", "Validation target file (default: dataset config)")
	flag.IntVar(&epochsFlag, "epochs", 1, "Number of epochs")
	flag.IntVar(&batchFlag, "batch", 0, "Sentence pairs per batch (default: dataset config)")
	flag.IntVar(&workersFlag, "workers", 1, "Data-parallel workers per step")
	flag.StringVar(&saveFlag, "save", "models", "Checkpoint directory (empty disables)")
	flag.StringVar(&resumeFlag, "resume", "", "Checkpoint to resume from")
	flag.IntVar(&patienceFlag, "patience", 0, "Stop after this many epochs without eval improvement (0 disables)")
	flag.IntVar(&logEveryFlag, "log-every", 100, "Steps between progress lines")
	flag.BoolVar(&debugFlag, "debug", false, "Print debug lines")
}

func main() {
	flag.Parse()
	utils.SetDebug(debugFlag)
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	t1 := time.Now()
	size, err := params.ParseSize(sizeFlag)
	if err != nil {
		return err
	}
	m, tok, err := transformer.Build(langpairFlag, size, rootFlag)
	if err != nil {
		return err
	}
	cfg := m.Config
	utils.Logf("Built %s/%s model: %d params, vocab %d", cfg.LangPair, cfg.Size, m.NumParams(), cfg.Tokenizer.VocabSize)

	batchSize := batchFlag
	if batchSize <= 0 {
		batchSize = cfg.Dataset.BatchSize
	}
	trainSet, err := loadBatches(tok, m, orDefault(srcFlag, cfg.Dataset.TrainSource), orDefault(tgtFlag, cfg.Dataset.TrainTarget), batchSize)
	if err != nil {
		return err
	}
	var evalSet []IO.Batch
	if vs, vt := orDefault(validSrcFlag, cfg.Dataset.ValidSource), orDefault(validTgtFlag, cfg.Dataset.ValidTarget); vs != "" && vt != "" {
		if evalSet, err = loadBatches(tok, m, vs, vt, batchSize); err != nil {
			return err
		}
	}
	utils.Logf("Loaded %d train batches, %d eval batches in %v", len(trainSet), len(evalSet), time.Since(t1))

	tr, err := train.New(m, workersFlag)
	if err != nil {
		return err
	}
	if resumeFlag != "" {
		if err := tr.Resume(resumeFlag); err != nil {
			return err
		}
		utils.Logf("Resumed from %s at step %d", resumeFlag, tr.Optimizer.T)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := tr.Fit(ctx, trainSet, evalSet, train.Options{
		Epochs:    epochsFlag,
		SaveDir:   saveFlag,
		SaveEvery: 1,
		Patience:  patienceFlag,
		LogEvery:  logEveryFlag,
	})
	if err != nil {
		return err
	}
	utils.Logf("Done: %d epochs, %d steps, train loss %.4f, best eval %.4f, total time %v",
		res.Epochs, res.Steps, res.TrainLoss, res.BestEval, time.Since(t1))
	return nil
}

// loadBatches reads a line-aligned corpus. Relative paths are resolved
// against -root.
func loadBatches(tok IO.Tokenizer, m *transformer.Model, srcPath, tgtPath string, batchSize int) ([]IO.Batch, error) {
	cfg := m.Config
	bos := IO.MarkerID(tok, cfg.Tokenizer.BosToken)
	eos := IO.MarkerID(tok, cfg.Tokenizer.EosToken)
	if bos < 0 {
		utils.Logf("warning: bos token %q not in vocabulary; targets are not framed", cfg.Tokenizer.BosToken)
	}
	src, tgt, err := IO.LoadParallel(tok, resolve(srcPath), resolve(tgtPath), bos, eos, cfg.Dataset.MaxLength)
	if err != nil {
		return nil, err
	}
	return IO.MakeBatches(src, tgt, batchSize, m.PaddingIdx)
}

func resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rootFlag, p)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
