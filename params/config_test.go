package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLangPair(t *testing.T) {
	for _, lp := range []string{"de-en", "en-de", "deen", "ende"} {
		got, err := NormalizeLangPair(lp)
		require.NoError(t, err, lp)
		assert.Equal(t, CanonicalLangPair, got, lp)
	}

	for _, lp := range []string{"en-fr", "fr-en", "DE-EN", "", "de_en"} {
		_, err := NormalizeLangPair(lp)
		var nse *NotSupportedError
		require.True(t, errors.As(err, &nse), "%q should not be supported", lp)
		assert.Equal(t, lp, nse.Value)
		assert.Contains(t, err.Error(), "Attention is all you need")
	}
}

func TestParseSize(t *testing.T) {
	s, err := ParseSize("big")
	require.NoError(t, err)
	assert.Equal(t, Big, s)

	_, err = ParseSize("huge")
	var nse *NotSupportedError
	require.ErrorAs(t, err, &nse)
	assert.Equal(t, "model size", nse.Kind)
}

func TestDefaultConfigs(t *testing.T) {
	for _, lp := range []string{"de-en", "en-de", "deen", "ende"} {
		cfg, err := LoadConfigs(DefaultConfigs(), "tok", lp, Base)
		require.NoError(t, err)
		assert.Equal(t, CanonicalLangPair, cfg.LangPair)
		assert.Equal(t, 512, cfg.Model.ModelParams.DimModel)
		assert.Equal(t, 4000, cfg.Model.TrainHparams.WarmupSteps)
		assert.Equal(t, 37000, cfg.Tokenizer.VocabSize)
		assert.Equal(t, "wmt14", cfg.Dataset.Name)
		assert.Equal(t, filepath.Join("tok", "sentencepiece_bpe_wmt14_deen-vocab.json"), cfg.Tokenizer.TokenizerVocab)
		assert.Equal(t, filepath.Join("tok", "sentencepiece_bpe_wmt14_deen-merges.txt"), cfg.Tokenizer.TokenizerMerges)
	}

	big, err := LoadConfigs(DefaultConfigs(), "tok", "de-en", Big)
	require.NoError(t, err)
	assert.Equal(t, 1024, big.Model.ModelParams.DimModel)
	assert.Equal(t, 16, big.Model.ModelParams.NumHeads)
}

func TestLoadConfigsUnsupported(t *testing.T) {
	_, err := LoadConfigs(DefaultConfigs(), "tok", "en-fr", Base)
	var nse *NotSupportedError
	require.ErrorAs(t, err, &nse)

	_, err = LoadConfigs(DefaultConfigs(), "tok", "de-en", SizeVariant("tiny"))
	require.ErrorAs(t, err, &nse)
}

func testDocs(model string) fstest.MapFS {
	return fstest.MapFS{
		"dataset/wmt14.deen.yaml": {Data: []byte("name: wmt14\nsubset: de-en\n")},
		"tokenizer/sentencepiece_bpe_wmt14_deen.yaml": {Data: []byte(
			"tokenizer_name: small\nvocab_size: 10\npad_token: <pad>\n")},
		"model/transformers.yaml": {Data: []byte(model)},
	}
}

const smallModel = `
base:
  model_params:
    dim_model: 8
    num_layers: 1
    num_heads: 2
    dim_feedforward: 16
    layer_norm_eps: 1.0e-5
  train_hparams:
    beta_1: 0.9
    beta_2: 0.98
    eps: 1.0e-9
    warmup_steps: 10
`

func TestLoadConfigsFromFS(t *testing.T) {
	cfg, err := LoadConfigs(testDocs(smallModel), "/tmp/tok", "ende", Base)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Model.ModelParams.DimModel)
	assert.Equal(t, filepath.Join("/tmp/tok", "small-vocab.json"), cfg.Tokenizer.TokenizerVocab)

	// No big section in the document.
	_, err = LoadConfigs(testDocs(smallModel), "/tmp/tok", "ende", Big)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestLoadConfigsStructuralErrors(t *testing.T) {
	var ce *ConfigurationError

	docs := testDocs(smallModel)
	delete(docs, "dataset/wmt14.deen.yaml")
	_, err := LoadConfigs(docs, "tok", "deen", Base)
	require.ErrorAs(t, err, &ce)

	_, err = LoadConfigs(testDocs("base:\n  model_params:\n    dim_modle: 8\n"), "tok", "deen", Base)
	require.ErrorAs(t, err, &ce, "unknown keys are rejected")

	bad := `
base:
  model_params: {dim_model: 10, num_layers: 1, num_heads: 3, dim_feedforward: 4, layer_norm_eps: 1.0e-5}
  train_hparams: {beta_1: 0.9, beta_2: 0.98, eps: 1.0e-9, warmup_steps: 10}
`
	_, err = LoadConfigs(testDocs(bad), "tok", "deen", Base)
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "divisible")
}

func TestGetConfigsFromRoot(t *testing.T) {
	root := t.TempDir()
	for name, f := range testDocs(smallModel) {
		p := filepath.Join(root, "configs", filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, f.Data, 0o644))
	}
	cfg, err := GetConfigs(root, "de-en", Base)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Tokenizer.VocabSize)
	assert.Equal(t, filepath.Join(root, "tokenizer", "small-merges.txt"), cfg.Tokenizer.TokenizerMerges)

	// Without a configs directory the embedded documents are used.
	cfg, err = GetConfigs(t.TempDir(), "de-en", Base)
	require.NoError(t, err)
	assert.Equal(t, 37000, cfg.Tokenizer.VocabSize)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfigs(DefaultConfigs(), "tok", "deen", Base)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	broken := cfg
	broken.Model.TrainHparams.Beta2 = 1
	var ce *ConfigurationError
	require.ErrorAs(t, broken.Validate(), &ce)

	broken = cfg
	broken.Tokenizer.VocabSize = 0
	require.ErrorAs(t, broken.Validate(), &ce)

	// Validate works on a copy; the original stays intact.
	require.NoError(t, cfg.Validate())
}
