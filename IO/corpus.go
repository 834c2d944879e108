package IO

import (
	"strings"

	"github.com/pkg/errors"
)

// EncodeParallel encodes aligned source and target lines and frames every
// sequence with the bos/eos markers (a negative marker is skipped). Pairs
// with an empty side, or longer than maxLen once framed (maxLen > 0), are
// dropped.
func EncodeParallel(tok Tokenizer, srcLines, tgtLines []string, bos, eos, maxLen int) ([][]int, [][]int, error) {
	if len(srcLines) != len(tgtLines) {
		return nil, nil, ShapeErrorf("corpus", "%d source lines, %d target lines", len(srcLines), len(tgtLines))
	}
	var src, tgt [][]int
	for i := range srcLines {
		s, t := strings.TrimSpace(srcLines[i]), strings.TrimSpace(tgtLines[i])
		if s == "" || t == "" {
			continue
		}
		sIDs, err := tok.Encode(s)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "encode source line %d", i+1)
		}
		tIDs, err := tok.Encode(t)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "encode target line %d", i+1)
		}
		sIDs, tIDs = WithMarkers(sIDs, bos, eos), WithMarkers(tIDs, bos, eos)
		if maxLen > 0 && (len(sIDs) > maxLen || len(tIDs) > maxLen) {
			continue
		}
		src = append(src, sIDs)
		tgt = append(tgt, tIDs)
	}
	return src, tgt, nil
}

// LoadParallel is EncodeParallel over two line-aligned files.
func LoadParallel(tok Tokenizer, srcPath, tgtPath string, bos, eos, maxLen int) ([][]int, [][]int, error) {
	srcLines, err := ReadLines(srcPath)
	if err != nil {
		return nil, nil, err
	}
	tgtLines, err := ReadLines(tgtPath)
	if err != nil {
		return nil, nil, err
	}
	return EncodeParallel(tok, srcLines, tgtLines, bos, eos, maxLen)
}

// MarkerID returns the id of token, or -1 when the vocabulary lacks it.
func MarkerID(v Vocab, token string) int {
	if token == "" {
		return -1
	}
	if id, ok := v.ID(token); ok {
		return id
	}
	return -1
}
