package nn

import (
	"fmt"
	"math"
	"math/rand"

	. "github.com/neuralsnap/captioner/neural/tensor"
)

// Embedding maps integer token IDs to dense vectors via a lookup table.
type Embedding struct {
	Weights *Tensor // [vocabSize, embeddingDim]

	lastIDs   []int
	lastShape []int
}

// NewEmbedding creates an embedding table with small random weights.
func NewEmbedding(vocabSize, embeddingDim int) (*Embedding, error) {
	if vocabSize <= 0 || embeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d and %d", vocabSize, embeddingDim)
	}
	scale := 1.0 / math.Sqrt(float64(embeddingDim))
	data := make([]float64, vocabSize*embeddingDim)
	for i := range data {
		data[i] = rand.NormFloat64() * scale
	}
	return &Embedding{Weights: NewTensor([]int{vocabSize, embeddingDim}, data, true)}, nil
}

// Parameters returns the learnable embedding table.
func (e *Embedding) Parameters() []*Tensor {
	return []*Tensor{e.Weights}
}

// Forward gathers the embedding vectors for a batch of token ID sequences.
// ids has length batchSize*seqLen laid out row-major; the result has shape
// [batchSize, seqLen, embeddingDim].
func (e *Embedding) Forward(ids []int, batchSize, seqLen int) (*Tensor, error) {
	if len(ids) != batchSize*seqLen {
		return nil, fmt.Errorf("embedding expects %d ids for shape [%d %d], got %d", batchSize*seqLen, batchSize, seqLen, len(ids))
	}
	vocabSize := e.Weights.Shape[0]
	dim := e.Weights.Shape[1]

	out := NewTensor([]int{batchSize, seqLen, dim}, nil, false)
	for i, id := range ids {
		if id < 0 || id >= vocabSize {
			return nil, fmt.Errorf("token id %d out of range for vocabulary of size %d", id, vocabSize)
		}
		copy(out.Data[i*dim:(i+1)*dim], e.Weights.Data[id*dim:(id+1)*dim])
	}

	e.lastIDs = ids
	e.lastShape = []int{batchSize, seqLen, dim}
	return out, nil
}

// Backward scatter-adds the upstream gradient into the embedding table at the
// rows selected by the last forward pass. Rows looked up more than once
// accumulate each contribution.
func (e *Embedding) Backward(grad *Tensor) error {
	if grad == nil || grad.Data == nil {
		return nil
	}
	if e.lastIDs == nil {
		return fmt.Errorf("Embedding.Backward called before Forward")
	}
	if !compatibleShape(grad.Shape, e.lastShape) {
		return fmt.Errorf("gradient shape %v does not match last forward shape %v", grad.Shape, e.lastShape)
	}

	dim := e.Weights.Shape[1]
	dWeights := NewTensor([]int{e.Weights.Shape[0], dim}, nil, false)
	for i, id := range e.lastIDs {
		row := dWeights.Data[id*dim : (id+1)*dim]
		src := grad.Data[i*dim : (i+1)*dim]
		for j, v := range src {
			row[j] += v
		}
	}
	return e.Weights.AccumulateGrad(dWeights)
}

func compatibleShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
