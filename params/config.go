package params

import (
	"bytes"
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed configs
var embeddedConfigs embed.FS

// CanonicalLangPair is the only language pair this project trains.
const CanonicalLangPair = "deen"

// Suffixes appended to tokenizer_name to locate the BPE artifacts.
const (
	VocabSuffix  = "-vocab.json"
	MergesSuffix = "-merges.txt"
)

// SizeVariant picks the model hyperparameter block.
type SizeVariant string

const (
	Base SizeVariant = "base"
	Big  SizeVariant = "big"
)

type DatasetConfig struct {
	Name           string `yaml:"name"`
	Subset         string `yaml:"subset"`
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`
	MaxLength      int    `yaml:"max_length"`
	BatchSize      int    `yaml:"batch_size"`
	TrainSource    string `yaml:"train_source"`
	TrainTarget    string `yaml:"train_target"`
	ValidSource    string `yaml:"valid_source"`
	ValidTarget    string `yaml:"valid_target"`
}

type TokenizerConfig struct {
	TokenizerName string `yaml:"tokenizer_name"`
	VocabSize     int    `yaml:"vocab_size"`
	PadToken      string `yaml:"pad_token"`
	BosToken      string `yaml:"bos_token"`
	EosToken      string `yaml:"eos_token"`
	UnkToken      string `yaml:"unk_token"`

	// Derived from TokenizerName, never read from the document.
	TokenizerVocab  string `yaml:"-"`
	TokenizerMerges string `yaml:"-"`
}

type ModelParams struct {
	DimModel       int     `yaml:"dim_model"`
	NumLayers      int     `yaml:"num_layers"` // encoder and decoder each
	NumHeads       int     `yaml:"num_heads"`
	DimFeedforward int     `yaml:"dim_feedforward"`
	LayerNormEps   float64 `yaml:"layer_norm_eps"`
}

type TrainHparams struct {
	Beta1       float64 `yaml:"beta_1"`
	Beta2       float64 `yaml:"beta_2"`
	Eps         float64 `yaml:"eps"`
	WarmupSteps int     `yaml:"warmup_steps"`
	GradClip    float64 `yaml:"grad_clip"` // <=0 disables
}

type ModelConfig struct {
	ModelParams  ModelParams  `yaml:"model_params"`
	TrainHparams TrainHparams `yaml:"train_hparams"`
}

// Config is the merged dataset, tokenizer and model configuration for one
// (language pair, size) run. It is passed by value and never mutated after
// GetConfigs returns it.
type Config struct {
	LangPair  string
	Size      SizeVariant
	Dataset   DatasetConfig
	Tokenizer TokenizerConfig
	Model     ModelConfig
}

// NormalizeLangPair maps every accepted spelling of German-English to
// CanonicalLangPair.
func NormalizeLangPair(langpair string) (string, error) {
	switch langpair {
	case "de-en", "en-de", "deen", "ende":
		return CanonicalLangPair, nil
	}
	return "", &NotSupportedError{Kind: "language pair", Value: langpair}
}

// ParseSize accepts "base" and "big".
func ParseSize(s string) (SizeVariant, error) {
	switch v := SizeVariant(strings.ToLower(s)); v {
	case Base, Big:
		return v, nil
	}
	return "", &NotSupportedError{Kind: "model size", Value: s}
}

// DefaultConfigs returns the documents compiled into the binary.
func DefaultConfigs() fs.FS {
	sub, err := fs.Sub(embeddedConfigs, "configs")
	if err != nil {
		panic(err)
	}
	return sub
}

// GetConfigs resolves the configuration for langpair and size. Documents are
// read from <root>/configs when that directory exists, otherwise from the
// embedded defaults. Tokenizer artifacts always live under <root>/tokenizer.
func GetConfigs(root, langpair string, size SizeVariant) (Config, error) {
	fsys := DefaultConfigs()
	if st, err := os.Stat(filepath.Join(root, "configs")); err == nil && st.IsDir() {
		fsys = os.DirFS(filepath.Join(root, "configs"))
	}
	return LoadConfigs(fsys, filepath.Join(root, "tokenizer"), langpair, size)
}

// LoadConfigs merges the dataset, tokenizer and model documents found in fsys.
func LoadConfigs(fsys fs.FS, tokenizerDir, langpair string, size SizeVariant) (Config, error) {
	canonical, err := NormalizeLangPair(langpair)
	if err != nil {
		return Config{}, err
	}
	size, err = ParseSize(string(size))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{LangPair: canonical, Size: size}
	if err := decodeYAML(fsys, path.Join("dataset", "wmt14."+canonical+".yaml"), &cfg.Dataset); err != nil {
		return Config{}, err
	}
	if err := decodeYAML(fsys, path.Join("tokenizer", "sentencepiece_bpe_wmt14_"+canonical+".yaml"), &cfg.Tokenizer); err != nil {
		return Config{}, err
	}
	models := map[string]ModelConfig{}
	if err := decodeYAML(fsys, path.Join("model", "transformers.yaml"), &models); err != nil {
		return Config{}, err
	}
	mc, ok := models[string(size)]
	if !ok {
		return Config{}, configErrorf(nil, "model document has no %q section", size)
	}
	cfg.Model = mc

	if cfg.Tokenizer.TokenizerName == "" {
		return Config{}, configErrorf(nil, "tokenizer_name is empty")
	}
	cfg.Tokenizer.TokenizerVocab = filepath.Join(tokenizerDir, cfg.Tokenizer.TokenizerName+VocabSuffix)
	cfg.Tokenizer.TokenizerMerges = filepath.Join(tokenizerDir, cfg.Tokenizer.TokenizerName+MergesSuffix)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the structural invariants a model needs at construction.
func (c Config) Validate() error {
	if _, err := NormalizeLangPair(c.LangPair); err != nil {
		return err
	}
	if _, err := ParseSize(string(c.Size)); err != nil {
		return err
	}
	mp, hp := c.Model.ModelParams, c.Model.TrainHparams
	switch {
	case mp.DimModel <= 0:
		return configErrorf(nil, "dim_model must be positive, got %d", mp.DimModel)
	case mp.NumHeads <= 0 || mp.DimModel%mp.NumHeads != 0:
		return configErrorf(nil, "dim_model (%d) must be divisible by num_heads (%d)", mp.DimModel, mp.NumHeads)
	case mp.NumLayers <= 0:
		return configErrorf(nil, "num_layers must be positive, got %d", mp.NumLayers)
	case mp.DimFeedforward <= 0:
		return configErrorf(nil, "dim_feedforward must be positive, got %d", mp.DimFeedforward)
	case mp.LayerNormEps <= 0:
		return configErrorf(nil, "layer_norm_eps must be positive, got %g", mp.LayerNormEps)
	case c.Tokenizer.VocabSize <= 0:
		return configErrorf(nil, "vocab_size must be positive, got %d", c.Tokenizer.VocabSize)
	case c.Tokenizer.PadToken == "":
		return configErrorf(nil, "pad_token is empty")
	case hp.Beta1 < 0 || hp.Beta1 >= 1 || hp.Beta2 < 0 || hp.Beta2 >= 1:
		return configErrorf(nil, "betas must lie in [0, 1), got (%g, %g)", hp.Beta1, hp.Beta2)
	case hp.Eps <= 0:
		return configErrorf(nil, "eps must be positive, got %g", hp.Eps)
	case hp.WarmupSteps <= 0:
		return configErrorf(nil, "warmup_steps must be positive, got %d", hp.WarmupSteps)
	case hp.GradClip < 0:
		return configErrorf(nil, "grad_clip must not be negative, got %g", hp.GradClip)
	}
	return nil
}

func decodeYAML(fsys fs.FS, name string, v any) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return configErrorf(errors.Wrapf(err, "read %s", name), "missing document")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return configErrorf(errors.Wrapf(err, "decode %s", name), "malformed document")
	}
	return nil
}
