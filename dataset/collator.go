package dataset

import (
	"iter"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// IgnoreLabel marks label positions excluded from the loss.
const IgnoreLabel = -100

// Batch is a causal language modeling batch. Both tensors are Int32 and shaped [batch, blockSize].
// Labels equal InputIDs except at padding, where they are IgnoreLabel: the model shifts labels
// itself when computing the next-token loss.
type Batch struct {
	InputIDs *tensors.Tensor
	Labels   *tensors.Tensor
}

// Collator turns windows into batches, without masking tokens.
type Collator struct {
	// BlockSize is the batch's sequence length; shorter windows are padded on the right.
	BlockSize int
	// PadID fills the padding positions of InputIDs.
	PadID int32
}

// Collate stacks the windows into a batch.
func (c *Collator) Collate(windows [][]int32) (*Batch, error) {
	if len(windows) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	if c.BlockSize <= 0 {
		return nil, &ConfigurationError{Reason: "collator block size must be positive"}
	}
	inputs := make([]int32, len(windows)*c.BlockSize)
	labels := make([]int32, len(inputs))
	for row, window := range windows {
		if len(window) > c.BlockSize {
			return nil, errors.Errorf("window %d has %d tokens, more than block size %d", row, len(window), c.BlockSize)
		}
		offset := row * c.BlockSize
		for col := range c.BlockSize {
			if col < len(window) {
				inputs[offset+col] = window[col]
				labels[offset+col] = window[col]
			} else {
				inputs[offset+col] = c.PadID
				labels[offset+col] = IgnoreLabel
			}
		}
	}
	return &Batch{
		InputIDs: tensors.FromFlatDataAndDimensions(inputs, len(windows), c.BlockSize),
		Labels:   tensors.FromFlatDataAndDimensions(labels, len(windows), c.BlockSize),
	}, nil
}

// CollateIndices reads the windows at indices from v and collates them.
func (c *Collator) CollateIndices(v *View, indices []int) (*Batch, error) {
	windows := make([][]int32, len(indices))
	for ii, idx := range indices {
		window, err := v.Get(idx)
		if err != nil {
			return nil, err
		}
		windows[ii] = window
	}
	return c.Collate(windows)
}

// Sampler yields the window indices of a View in batches, shuffled with a seeded generator so
// runs are reproducible.
type Sampler struct {
	size    int
	seed    uint64
	shuffle bool
}

// NewSampler creates a Sampler over v. With shuffle false, indices come in order.
func NewSampler(v *View, seed uint64, shuffle bool) *Sampler {
	return &Sampler{size: v.Size(), seed: seed, shuffle: shuffle}
}

// Order returns the index order for the given epoch. Each epoch has its own permutation, and
// the same seed and epoch always give the same one.
func (s *Sampler) Order(epoch int) []int {
	if !s.shuffle {
		order := make([]int, s.size)
		for ii := range order {
			order[ii] = ii
		}
		return order
	}
	rng := rand.New(rand.NewPCG(s.seed, uint64(epoch)))
	return rng.Perm(s.size)
}

// Batches iterates over the epoch's indices in batches of batchSize. The last batch may be
// smaller; no index is dropped.
func (s *Sampler) Batches(epoch, batchSize int) (iter.Seq[[]int], error) {
	if batchSize <= 0 {
		return nil, &ConfigurationError{Reason: "batch size must be positive"}
	}
	order := s.Order(epoch)
	return func(yield func([]int) bool) {
		for start := 0; start < len(order); start += batchSize {
			if !yield(order[start:min(start+batchSize, len(order))]) {
				return
			}
		}
	}, nil
}
