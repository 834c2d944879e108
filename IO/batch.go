package IO

import "fmt"

// ShapeMismatchError reports token or mask arrays that do not fit the
// rectangular (batch x length) contract.
type ShapeMismatchError struct {
	Op     string
	Detail string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: %s", e.Op, e.Detail)
}

// ShapeErrorf builds a *ShapeMismatchError.
func ShapeErrorf(op, format string, args ...any) error {
	return &ShapeMismatchError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Sequence is a padded batch of token ids with its mask. Mask[i][j] is true
// for real tokens and false for padding.
type Sequence struct {
	PaddedToken [][]int
	Mask        [][]bool
}

// Batch pairs source and target sequences of the same batch size.
type Batch struct {
	Source Sequence
	Target Sequence
}

// Pad right-pads seqs with padID to the longest length.
func Pad(seqs [][]int, padID int) Sequence {
	maxLen := 0
	for _, s := range seqs {
		maxLen = max(maxLen, len(s))
	}
	out := Sequence{
		PaddedToken: make([][]int, len(seqs)),
		Mask:        make([][]bool, len(seqs)),
	}
	for i, s := range seqs {
		ids := make([]int, maxLen)
		mask := make([]bool, maxLen)
		for j := range ids {
			if j < len(s) {
				ids[j] = s[j]
				mask[j] = true
			} else {
				ids[j] = padID
			}
		}
		out.PaddedToken[i] = ids
		out.Mask[i] = mask
	}
	return out
}

// Dims returns (batch, length). Length is that of the first row.
func (s Sequence) Dims() (int, int) {
	if len(s.PaddedToken) == 0 {
		return 0, 0
	}
	return len(s.PaddedToken), len(s.PaddedToken[0])
}

// Check verifies the ids are rectangular and the mask has the same shape.
func (s Sequence) Check(op string) error {
	b, l := s.Dims()
	if len(s.Mask) != b {
		return ShapeErrorf(op, "mask batch %d, tokens batch %d", len(s.Mask), b)
	}
	for i := range s.PaddedToken {
		if len(s.PaddedToken[i]) != l {
			return ShapeErrorf(op, "row %d has length %d, want %d", i, len(s.PaddedToken[i]), l)
		}
		if len(s.Mask[i]) != l {
			return ShapeErrorf(op, "mask row %d has length %d, want %d", i, len(s.Mask[i]), l)
		}
	}
	return nil
}

// Validate is Check plus the padding invariant: the mask is false exactly
// where the id is padID.
func (s Sequence) Validate(op string, padID int) error {
	if err := s.Check(op); err != nil {
		return err
	}
	for i, row := range s.PaddedToken {
		for j, id := range row {
			if (id == padID) == s.Mask[i][j] {
				return ShapeErrorf(op, "mask[%d][%d]=%v disagrees with token id %d (pad %d)",
					i, j, s.Mask[i][j], id, padID)
			}
		}
	}
	return nil
}

// Rows returns the sub-sequence of rows [lo, hi).
func (s Sequence) Rows(lo, hi int) Sequence {
	return Sequence{PaddedToken: s.PaddedToken[lo:hi], Mask: s.Mask[lo:hi]}
}

// Size is the number of sentence pairs.
func (b Batch) Size() int { return len(b.Source.PaddedToken) }

// TargetTokenCount counts the positions that contribute to the loss: every
// target position after the first whose id is not padID.
func (b Batch) TargetTokenCount(padID int) int {
	n := 0
	for _, row := range b.Target.PaddedToken {
		for j := 1; j < len(row); j++ {
			if row[j] != padID {
				n++
			}
		}
	}
	return n
}

// Split cuts the batch into at most n contiguous, non-empty shards.
func (b Batch) Split(n int) []Batch {
	size := b.Size()
	if n <= 1 || size <= 1 {
		return []Batch{b}
	}
	n = min(n, size)
	out := make([]Batch, 0, n)
	for k := 0; k < n; k++ {
		lo, hi := k*size/n, (k+1)*size/n
		out = append(out, Batch{Source: b.Source.Rows(lo, hi), Target: b.Target.Rows(lo, hi)})
	}
	return out
}

// Collate pads parallel source and target id lists into one batch.
func Collate(src, tgt [][]int, padID int) (Batch, error) {
	if len(src) != len(tgt) {
		return Batch{}, ShapeErrorf("collate", "%d sources, %d targets", len(src), len(tgt))
	}
	return Batch{Source: Pad(src, padID), Target: Pad(tgt, padID)}, nil
}

// MakeBatches collates consecutive pairs into batches of at most batchSize.
func MakeBatches(src, tgt [][]int, batchSize, padID int) ([]Batch, error) {
	if len(src) != len(tgt) {
		return nil, ShapeErrorf("batches", "%d sources, %d targets", len(src), len(tgt))
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batches: batch size must be positive, got %d", batchSize)
	}
	var out []Batch
	for lo := 0; lo < len(src); lo += batchSize {
		hi := min(lo+batchSize, len(src))
		b, err := Collate(src[lo:hi], tgt[lo:hi], padID)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// WithMarkers returns ids framed by the optional prefix and suffix markers.
// A negative marker id is skipped.
func WithMarkers(ids []int, bos, eos int) []int {
	out := make([]int, 0, len(ids)+2)
	if bos >= 0 {
		out = append(out, bos)
	}
	out = append(out, ids...)
	if eos >= 0 {
		out = append(out, eos)
	}
	return out
}
