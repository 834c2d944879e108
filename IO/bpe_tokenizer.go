package IO

import (
	"os"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/pretokenizer"

	"github.com/HephaestusProject/go-transformer/params"
)

// Tokenizer encodes text into ids from the vocabulary the model was built for.
type Tokenizer interface {
	Vocab
	Encode(text string) ([]int, error)
}

// BPETokenizer wraps a sentencepiece-style BPE model loaded from the
// <name>-vocab.json and <name>-merges.txt artifacts.
type BPETokenizer struct {
	tk  *tk.Tokenizer
	cfg params.TokenizerConfig
}

// LoadTokenizer reads the BPE artifacts named by cfg. Missing artifacts are a
// configuration error, never a silent fallback.
func LoadTokenizer(cfg params.TokenizerConfig) (*BPETokenizer, error) {
	for _, p := range []string{cfg.TokenizerVocab, cfg.TokenizerMerges} {
		if _, err := os.Stat(p); err != nil {
			return nil, &params.ConfigurationError{Reason: "tokenizer artifact " + p + " not found", Err: err}
		}
	}
	model, err := bpe.NewBpeFromFiles(cfg.TokenizerVocab, cfg.TokenizerMerges)
	if err != nil {
		return nil, &params.ConfigurationError{Reason: "load BPE model " + cfg.TokenizerName, Err: err}
	}
	t := tk.NewTokenizer(model)
	t.WithPreTokenizer(pretokenizer.NewMetaspace("▁", true))
	return &BPETokenizer{tk: t, cfg: cfg}, nil
}

func (b *BPETokenizer) ID(token string) (int, bool) { return b.tk.TokenToId(token) }

func (b *BPETokenizer) Size() int { return b.tk.GetVocabSize(false) }

// Encode returns token ids without sequence markers.
func (b *BPETokenizer) Encode(text string) ([]int, error) {
	enc, err := b.tk.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), enc.Ids...), nil
}

// Vocabulary copies the token table out of the BPE model.
func (b *BPETokenizer) Vocabulary() Vocabulary {
	vocab := b.tk.GetVocab(false)
	id2tok := make([]string, len(vocab))
	tok2id := make(map[string]int, len(vocab))
	for tok, id := range vocab {
		tok2id[tok] = id
		if id >= 0 && id < len(id2tok) {
			id2tok[id] = tok
		}
	}
	return Vocabulary{TokenToID: tok2id, IDToToken: id2tok}
}
