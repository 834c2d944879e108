package IO

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HephaestusProject/go-transformer/params"
)

func TestReadLines(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "train.de")
	require.NoError(t, os.WriteFile(p, []byte("Guten Morgen\n\nzwei  \r\nletzte"), 0o644))

	lines, err := ReadLines(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"Guten Morgen", "", "zwei  \r", "letzte"}, lines)

	p2 := filepath.Join(dir, "trailing.en")
	require.NoError(t, os.WriteFile(p2, []byte("a\nb\n"), 0o644))
	lines, err = ReadLines(p2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	_, err = ReadLines(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestPadAndValidate(t *testing.T) {
	s := Pad([][]int{{5, 6, 7}, {8}}, 0)
	assert.Equal(t, [][]int{{5, 6, 7}, {8, 0, 0}}, s.PaddedToken)
	assert.Equal(t, [][]bool{{true, true, true}, {true, false, false}}, s.Mask)
	require.NoError(t, s.Validate("collate", 0))

	var sme *ShapeMismatchError
	s.Mask[1][2] = true
	require.ErrorAs(t, s.Validate("collate", 0), &sme)
	assert.Equal(t, "collate", sme.Op)
	s.Mask[1][2] = false
	s.Mask[0][1] = false
	require.ErrorAs(t, s.Validate("collate", 0), &sme)

	ragged := Sequence{PaddedToken: [][]int{{1, 2}, {1}}, Mask: [][]bool{{true, true}, {true}}}
	require.True(t, errors.As(ragged.Check("forward"), &sme))
	assert.Equal(t, "forward", sme.Op)
}

func TestBatchTargetTokenCount(t *testing.T) {
	b, err := Collate([][]int{{4, 5}, {6}}, [][]int{{1, 7, 8, 2}, {1, 9, 2}}, 0)
	require.NoError(t, err)
	// <bos> is never a target; the padded slot in row 1 is ignored.
	assert.Equal(t, 5, b.TargetTokenCount(0))

	_, err = Collate([][]int{{1}}, nil, 0)
	require.Error(t, err)
}

func TestBatchSplit(t *testing.T) {
	var src, tgt [][]int
	for i := 0; i < 5; i++ {
		src = append(src, []int{i + 3})
		tgt = append(tgt, []int{1, i + 3, 2})
	}
	b, err := Collate(src, tgt, 0)
	require.NoError(t, err)

	shards := b.Split(2)
	require.Len(t, shards, 2)
	assert.Equal(t, 2, shards[0].Size())
	assert.Equal(t, 3, shards[1].Size())
	assert.Equal(t, b.TargetTokenCount(0), shards[0].TargetTokenCount(0)+shards[1].TargetTokenCount(0))

	assert.Len(t, b.Split(10), 5)
	assert.Len(t, b.Split(1), 1)
}

func TestMakeBatches(t *testing.T) {
	src := [][]int{{3}, {4, 4}, {5}}
	tgt := [][]int{{1, 3, 2}, {1, 4, 2}, {1, 5, 5, 2}}
	bs, err := MakeBatches(src, tgt, 2, 0)
	require.NoError(t, err)
	require.Len(t, bs, 2)
	assert.Equal(t, 2, bs[0].Size())
	assert.Equal(t, 1, bs[1].Size())

	_, err = MakeBatches(src, tgt, 0, 0)
	require.Error(t, err)
}

func TestWithMarkers(t *testing.T) {
	assert.Equal(t, []int{1, 7, 8, 2}, WithMarkers([]int{7, 8}, 1, 2))
	assert.Equal(t, []int{7, 8, 2}, WithMarkers([]int{7, 8}, -1, 2))
}

func TestVocabulary(t *testing.T) {
	v := NewVocabulary("<pad>", "<bos>", "<eos>", "<unk>", "hallo", "<pad>")
	assert.Equal(t, 5, v.Size())
	id, ok := v.ID("<pad>")
	assert.True(t, ok)
	assert.Equal(t, 0, id)
	assert.Equal(t, 3, v.Lookup("welt", "<unk>"))
}

func TestLoadTokenizerMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadTokenizer(params.TokenizerConfig{
		TokenizerName:   "nope",
		TokenizerVocab:  filepath.Join(dir, "nope"+params.VocabSuffix),
		TokenizerMerges: filepath.Join(dir, "nope"+params.MergesSuffix),
	})
	var ce *params.ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestLoadTokenizer(t *testing.T) {
	dir := t.TempDir()
	vocab := filepath.Join(dir, "small"+params.VocabSuffix)
	merges := filepath.Join(dir, "small"+params.MergesSuffix)
	require.NoError(t, os.WriteFile(vocab,
		[]byte(`{"<pad>":0,"<bos>":1,"<eos>":2,"<unk>":3,"a":4,"b":5,"ab":6}`), 0o644))
	require.NoError(t, os.WriteFile(merges, []byte("a b\n"), 0o644))

	tok, err := LoadTokenizer(params.TokenizerConfig{
		TokenizerName:   "small",
		TokenizerVocab:  vocab,
		TokenizerMerges: merges,
		PadToken:        "<pad>",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, tok.Size())
	id, ok := tok.ID("<pad>")
	require.True(t, ok)
	assert.Equal(t, 0, id)
	assert.Equal(t, 7, tok.Vocabulary().Size())
}
