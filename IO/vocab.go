package IO

// Vocab is the part of a tokenizer the model needs at construction.
type Vocab interface {
	ID(token string) (int, bool)
	Size() int
}

// Vocabulary is an in-memory token table.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// NewVocabulary numbers tokens in the given order.
func NewVocabulary(tokens ...string) Vocabulary {
	v := Vocabulary{TokenToID: make(map[string]int, len(tokens))}
	for _, t := range tokens {
		if _, ok := v.TokenToID[t]; ok {
			continue
		}
		v.TokenToID[t] = len(v.IDToToken)
		v.IDToToken = append(v.IDToToken, t)
	}
	return v
}

func (v Vocabulary) ID(token string) (int, bool) {
	id, ok := v.TokenToID[token]
	return id, ok
}

func (v Vocabulary) Size() int { return len(v.IDToToken) }

// Lookup returns the id of tok, falling back to unk.
func (v Vocabulary) Lookup(tok, unk string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return v.TokenToID[unk]
}
