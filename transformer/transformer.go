package transformer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/HephaestusProject/go-transformer/optimizations"
	"github.com/HephaestusProject/go-transformer/params"
)

// Checkpoints are gob-encoded: the configuration the weights were trained
// under, the padding id, every parameter by name, and optionally the Adam
// moments and step counter.

type modelData struct {
	LangPair    string
	Size        string
	ModelParams params.ModelParams
	VocabSize   int
	PaddingIdx  int
	Params      []matrixData

	// Adam
	HasAdam bool
	AdamT   int
	AdamM   []matrixData
	AdamV   []matrixData
}

type matrixData struct {
	Name string
	R, C int
	Data []float64
}

func toMatrixData(name string, m *mat.Dense) matrixData {
	r, c := m.Dims()
	return matrixData{Name: name, R: r, C: c, Data: append([]float64(nil), mat.DenseCopyOf(m).RawMatrix().Data...)}
}

// Save writes m (and opt's state if opt is non-nil) to filename, creating
// its directory if needed.
func (m *Model) Save(filename string, opt *optimizations.Adam) error {
	ps := m.Parameters()
	data := modelData{
		LangPair:    m.Config.LangPair,
		Size:        string(m.Config.Size),
		ModelParams: m.Config.Model.ModelParams,
		VocabSize:   m.Config.Tokenizer.VocabSize,
		PaddingIdx:  m.PaddingIdx,
		Params:      make([]matrixData, len(ps)),
	}
	for i, p := range ps {
		data.Params[i] = toMatrixData(p.Name, p.W)
	}
	if opt != nil {
		if len(opt.Params) != len(ps) {
			return fmt.Errorf("save: optimizer tracks %d params, model has %d", len(opt.Params), len(ps))
		}
		data.HasAdam = true
		data.AdamT = opt.T
		data.AdamM = make([]matrixData, len(ps))
		data.AdamV = make([]matrixData, len(ps))
		for i, p := range ps {
			data.AdamM[i] = toMatrixData(p.Name, opt.M[i])
			data.AdamV[i] = toMatrixData(p.Name, opt.V[i])
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create checkpoint dir")
		}
	}
	return errors.Wrap(os.WriteFile(filename, buf.Bytes(), 0o644), "write checkpoint")
}

// Load restores weights saved by Save into m, which must have been built with
// the same model parameters and vocabulary. If opt is non-nil and the
// checkpoint carries Adam state, the moments and step counter are restored
// too; the caller then moves its schedule to opt.T.
func (m *Model) Load(filename string, opt *optimizations.Adam) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "read checkpoint")
	}
	var data modelData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return errors.Wrap(err, "decode checkpoint")
	}

	if data.ModelParams != m.Config.Model.ModelParams || data.VocabSize != m.Config.Tokenizer.VocabSize {
		return &params.ConfigurationError{Reason: fmt.Sprintf(
			"checkpoint %s was trained with %+v and vocab %d, model has %+v and vocab %d",
			filename, data.ModelParams, data.VocabSize, m.Config.Model.ModelParams, m.Config.Tokenizer.VocabSize)}
	}
	if data.PaddingIdx != m.PaddingIdx {
		return &params.ConfigurationError{Reason: fmt.Sprintf(
			"checkpoint padding id %d, tokenizer padding id %d", data.PaddingIdx, m.PaddingIdx)}
	}
	ps := m.Parameters()
	if len(data.Params) != len(ps) {
		return fmt.Errorf("load: parameter count mismatch (have %d, file %d)", len(ps), len(data.Params))
	}
	for i, p := range ps {
		if err := restore(p.W, p.Name, data.Params[i]); err != nil {
			return err
		}
	}

	if opt != nil && data.HasAdam {
		if len(opt.Params) != len(ps) || len(data.AdamM) != len(ps) || len(data.AdamV) != len(ps) {
			return fmt.Errorf("load: optimizer state mismatch")
		}
		for i, p := range ps {
			if err := restore(opt.M[i], p.Name, data.AdamM[i]); err != nil {
				return err
			}
			if err := restore(opt.V[i], p.Name, data.AdamV[i]); err != nil {
				return err
			}
		}
		opt.T = data.AdamT
	}
	return nil
}

func restore(dst *mat.Dense, name string, md matrixData) error {
	r, c := dst.Dims()
	if md.Name != name || md.R != r || md.C != c || len(md.Data) != r*c {
		return fmt.Errorf("load: %s (%dx%d) does not match checkpoint entry %s (%dx%d)", name, r, c, md.Name, md.R, md.C)
	}
	dst.Copy(mat.NewDense(r, c, md.Data))
	return nil
}
