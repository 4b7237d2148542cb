package nn

import (
	"fmt"
	"math"
	"math/rand"

	. "github.com/neuralsnap/captioner/neural/tensor"
)

// Linear is a dense affine layer: out = input*Weights + Biases.
type Linear struct {
	Weights *Tensor
	Biases  *Tensor
	input   *Tensor // Store input for backward pass
}

// NewLinear creates a new Linear layer with random weights and zero biases.
func NewLinear(inputDim, outputDim int) (*Linear, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, fmt.Errorf("linear layer dimensions must be positive, got %d and %d", inputDim, outputDim)
	}

	// He initialization
	stdDev := math.Sqrt(2.0 / float64(inputDim))
	weightsData := make([]float64, inputDim*outputDim)
	for i := range weightsData {
		weightsData[i] = rand.NormFloat64() * stdDev
	}
	weights := NewTensor([]int{inputDim, outputDim}, weightsData, true)

	biases := NewTensor([]int{outputDim}, nil, true)

	return &Linear{Weights: weights, Biases: biases}, nil
}

// Parameters returns all learnable parameters of the layer.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.Weights, l.Biases}
}

// Input returns the input tensor stored by the last forward pass.
func (l *Linear) Input() *Tensor {
	return l.input
}

// Forward performs the forward pass of the Linear layer. The input may be 2D
// [batch, in] or 3D [batch, time, in]; a 3D input is flattened over the batch
// and time axes for the matrix product and reshaped back afterwards.
func (l *Linear) Forward(input *Tensor) (*Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("Linear.Forward received a nil input tensor")
	}
	l.input = input

	inputDim := l.Weights.Shape[0]
	outputDim := l.Weights.Shape[1]

	var output *Tensor
	var err error

	switch len(input.Shape) {
	case 2:
		if input.Shape[1] != inputDim {
			return nil, fmt.Errorf("linear layer expects input width %d, got shape %v", inputDim, input.Shape)
		}
		output, err = input.MatMul(l.Weights)
		if err != nil {
			return nil, fmt.Errorf("linear layer matrix multiplication failed: %w", err)
		}

	case 3:
		if input.Shape[2] != inputDim {
			return nil, fmt.Errorf("linear layer expects input width %d, got shape %v", inputDim, input.Shape)
		}
		batchSize := input.Shape[0]
		seqLen := input.Shape[1]

		flat, err := input.Reshape([]int{batchSize * seqLen, inputDim})
		if err != nil {
			return nil, err
		}
		flatOut, err := flat.MatMul(l.Weights)
		if err != nil {
			return nil, fmt.Errorf("linear layer matrix multiplication failed: %w", err)
		}
		output, err = flatOut.Reshape([]int{batchSize, seqLen, outputDim})
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("linear layer only supports 2D or 3D input, got %d dimensions", len(input.Shape))
	}

	output, err = output.AddWithBroadcast(l.Biases)
	if err != nil {
		return nil, fmt.Errorf("linear layer bias addition failed: %w", err)
	}

	return output, nil
}

// Backward accumulates the layer's parameter gradients from the upstream
// gradient and, if the stored input requires a gradient, the input gradient.
func (l *Linear) Backward(grad *Tensor) error {
	if grad == nil || grad.Data == nil {
		return nil
	}
	if l.input == nil {
		return fmt.Errorf("Linear.Backward called before Forward")
	}

	inputDim := l.Weights.Shape[0]
	outputDim := l.Weights.Shape[1]

	var flatInput, flatGrad *Tensor
	var err error

	switch len(grad.Shape) {
	case 2:
		flatInput = l.input
		flatGrad = grad
	case 3:
		rows := grad.Shape[0] * grad.Shape[1]
		flatInput, err = l.input.Reshape([]int{rows, inputDim})
		if err != nil {
			return err
		}
		flatGrad, err = grad.Reshape([]int{rows, outputDim})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("linear layer only supports 2D or 3D gradients, got %d dimensions", len(grad.Shape))
	}

	if flatInput.Shape[0] != flatGrad.Shape[0] {
		return fmt.Errorf("gradient shape %v does not match stored input shape %v", grad.Shape, l.input.Shape)
	}

	inputT, err := flatInput.Transpose(0, 1)
	if err != nil {
		return err
	}
	dWeights, err := inputT.MatMul(flatGrad)
	if err != nil {
		return fmt.Errorf("linear weight gradient failed: %w", err)
	}
	if err := l.Weights.AccumulateGrad(dWeights); err != nil {
		return err
	}

	dBiases, err := flatGrad.Sum(0)
	if err != nil {
		return err
	}
	if err := l.Biases.AccumulateGrad(dBiases); err != nil {
		return err
	}

	if l.input.RequiresGrad {
		weightsT, err := l.Weights.Transpose(0, 1)
		if err != nil {
			return err
		}
		flatDInput, err := flatGrad.MatMul(weightsT)
		if err != nil {
			return fmt.Errorf("linear input gradient failed: %w", err)
		}
		dInput, err := flatDInput.Reshape(l.input.Shape)
		if err != nil {
			return err
		}
		if err := l.input.AccumulateGrad(dInput); err != nil {
			return err
		}
	}

	return nil
}
