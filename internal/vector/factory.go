package vector

import "fmt"

// IndexType names a vector index variant.
type IndexType string

const (
	// IndexTypeFlat scans one contiguous buffer and keeps a bounded top-k heap.
	IndexTypeFlat IndexType = "flat"
	// IndexTypeLinear scores every row and sorts the full candidate list.
	IndexTypeLinear IndexType = "linear"
)

// NewIndex creates an index of the given type. dimensions may be 0, in which case
// the first Add fixes it.
func NewIndex(indexType string, dimensions int) (Index, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	switch IndexType(indexType) {
	case IndexTypeFlat, "":
		return NewFlatIndex(dimensions), nil
	case IndexTypeLinear:
		return NewLinearIndex(dimensions), nil
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: flat, linear)", indexType)
	}
}
