package nn

import (
	"fmt"

	. "github.com/neuralsnap/captioner/neural/tensor"
)

// The 4H axis of the LSTM weights is partitioned, in this fixed order, into
// four contiguous H-wide blocks: input gate, forget gate, output gate, block
// input. Forward and backward both rely on this layout.

// StepCache captures every quantity from a single forward timestep that the
// matching backward step needs, so nothing is recomputed during
// backpropagation. It is produced by StepForward, owned by the sequence-level
// cache list, and consumed once by StepBackward.
type StepCache struct {
	Input      *Tensor // x (N, D)
	PrevHidden *Tensor // h_{t-1} (N, H)
	PrevCell   *Tensor // c_{t-1} (N, H)

	InputGate  *Tensor // i = sigmoid(a_i) (N, H)
	ForgetGate *Tensor // f = sigmoid(a_f) (N, H)
	OutputGate *Tensor // o = sigmoid(a_o) (N, H)
	BlockInput *Tensor // g = tanh(a_g) (N, H)

	NextCell     *Tensor // c_t (N, H)
	TanhNextCell *Tensor // tanh(c_t) (N, H)

	Wx *Tensor // (D, 4H)
	Wh *Tensor // (H, 4H)
}

func checkStepShapes(x, prevHidden, prevCell, wx, wh, b *Tensor) error {
	if len(x.Shape) != 2 {
		return fmt.Errorf("step input must be 2D (batch, features), got shape %v", x.Shape)
	}
	if len(prevHidden.Shape) != 2 || len(prevCell.Shape) != 2 {
		return fmt.Errorf("hidden and cell states must be 2D, got shapes %v and %v", prevHidden.Shape, prevCell.Shape)
	}
	n, d := x.Shape[0], x.Shape[1]
	h := prevHidden.Shape[1]
	if prevHidden.Shape[0] != n || prevCell.Shape[0] != n {
		return fmt.Errorf("batch size mismatch: input %d, hidden %d, cell %d", n, prevHidden.Shape[0], prevCell.Shape[0])
	}
	if prevCell.Shape[1] != h {
		return fmt.Errorf("hidden width %d does not match cell width %d", h, prevCell.Shape[1])
	}
	if len(wx.Shape) != 2 || wx.Shape[0] != d || wx.Shape[1] != 4*h {
		return fmt.Errorf("input weights must have shape [%d, %d], got %v", d, 4*h, wx.Shape)
	}
	if len(wh.Shape) != 2 || wh.Shape[0] != h || wh.Shape[1] != 4*h {
		return fmt.Errorf("recurrent weights must have shape [%d, %d], got %v", h, 4*h, wh.Shape)
	}
	if len(b.Shape) != 1 || b.Shape[0] != 4*h {
		return fmt.Errorf("bias must have shape [%d], got %v", 4*h, b.Shape)
	}
	return nil
}

// StepForward runs a single LSTM timestep.
//
// It computes a = x*Wx + h_prev*Wh + b, splits a into the four gate blocks,
// applies the gate nonlinearities, and produces the next cell state
// c_t = f*c_prev + i*g and hidden state h_t = o*tanh(c_t). The returned cache
// carries everything StepBackward needs. StepForward is a pure function of
// its inputs.
func StepForward(x, prevHidden, prevCell, wx, wh, b *Tensor) (*Tensor, *Tensor, *StepCache, error) {
	if err := checkStepShapes(x, prevHidden, prevCell, wx, wh, b); err != nil {
		return nil, nil, nil, err
	}
	hiddenSize := prevHidden.Shape[1]

	activation, err := x.MatMul(wx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("input projection failed: %w", err)
	}
	recurrent, err := prevHidden.MatMul(wh)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("recurrent projection failed: %w", err)
	}
	activation, err = activation.Add(recurrent)
	if err != nil {
		return nil, nil, nil, err
	}
	activation, err = activation.AddWithBroadcast(b)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bias addition failed: %w", err)
	}

	blocks, err := Split(activation, 1, []int{hiddenSize, hiddenSize, hiddenSize, hiddenSize})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("gate split failed: %w", err)
	}

	inputGate, err := blocks[0].Sigmoid()
	if err != nil {
		return nil, nil, nil, err
	}
	forgetGate, err := blocks[1].Sigmoid()
	if err != nil {
		return nil, nil, nil, err
	}
	outputGate, err := blocks[2].Sigmoid()
	if err != nil {
		return nil, nil, nil, err
	}
	blockInput, err := blocks[3].Tanh()
	if err != nil {
		return nil, nil, nil, err
	}

	retained, err := forgetGate.Mul(prevCell)
	if err != nil {
		return nil, nil, nil, err
	}
	written, err := inputGate.Mul(blockInput)
	if err != nil {
		return nil, nil, nil, err
	}
	nextCell, err := retained.Add(written)
	if err != nil {
		return nil, nil, nil, err
	}

	tanhNextCell, err := nextCell.Tanh()
	if err != nil {
		return nil, nil, nil, err
	}
	nextHidden, err := outputGate.Mul(tanhNextCell)
	if err != nil {
		return nil, nil, nil, err
	}

	cache := &StepCache{
		Input:        x,
		PrevHidden:   prevHidden,
		PrevCell:     prevCell,
		InputGate:    inputGate,
		ForgetGate:   forgetGate,
		OutputGate:   outputGate,
		BlockInput:   blockInput,
		NextCell:     nextCell,
		TanhNextCell: tanhNextCell,
		Wx:           wx,
		Wh:           wh,
	}
	return nextHidden, nextCell, cache, nil
}

// StepBackward computes the exact analytic gradients of a single LSTM
// timestep. dNextHidden and dNextCell are the upstream gradients with respect
// to the step's outputs; dNextCell must already include any contribution the
// later timestep routed back through its hidden-state path (the sequence
// backward pass is responsible for that accumulation).
func StepBackward(dNextHidden, dNextCell *Tensor, cache *StepCache) (dx, dPrevHidden, dPrevCell, dWx, dWh, dB *Tensor, err error) {
	n := cache.PrevHidden.Shape[0]
	hiddenSize := cache.PrevHidden.Shape[1]
	if len(dNextHidden.Shape) != 2 || dNextHidden.Shape[0] != n || dNextHidden.Shape[1] != hiddenSize {
		return nil, nil, nil, nil, nil, nil,
			fmt.Errorf("upstream hidden gradient must have shape [%d, %d], got %v", n, hiddenSize, dNextHidden.Shape)
	}
	if len(dNextCell.Shape) != 2 || dNextCell.Shape[0] != n || dNextCell.Shape[1] != hiddenSize {
		return nil, nil, nil, nil, nil, nil,
			fmt.Errorf("upstream cell gradient must have shape [%d, %d], got %v", n, hiddenSize, dNextCell.Shape)
	}

	// h_t = o * tanh(c_t)
	dOutputGate, err := dNextHidden.Mul(cache.TanhNextCell)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dTanhCell, err := dNextHidden.Mul(cache.OutputGate)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dCellFromHidden, err := dTanhCell.TanhBackward(cache.TanhNextCell)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dCellTotal, err := dNextCell.Add(dCellFromHidden)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	// c_t = f * c_{t-1} + i * g
	dForgetGate, err := dCellTotal.Mul(cache.PrevCell)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dPrevCell, err = dCellTotal.Mul(cache.ForgetGate)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dInputGate, err := dCellTotal.Mul(cache.BlockInput)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dBlockInput, err := dCellTotal.Mul(cache.InputGate)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	// Back through the gate nonlinearities to the pre-activation blocks.
	daInput, err := dInputGate.SigmoidBackward(cache.InputGate)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	daForget, err := dForgetGate.SigmoidBackward(cache.ForgetGate)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	daOutput, err := dOutputGate.SigmoidBackward(cache.OutputGate)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	daBlock, err := dBlockInput.TanhBackward(cache.BlockInput)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	// Reassemble (N, 4H) in the same fixed gate order as the forward split.
	da, err := Concat([]*Tensor{daInput, daForget, daOutput, daBlock}, 1)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("gate concatenation failed: %w", err)
	}

	wxT, err := cache.Wx.Transpose(0, 1)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dx, err = da.MatMul(wxT)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	whT, err := cache.Wh.Transpose(0, 1)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dPrevHidden, err = da.MatMul(whT)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	xT, err := cache.Input.Transpose(0, 1)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dWx, err = xT.MatMul(da)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	hT, err := cache.PrevHidden.Transpose(0, 1)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dWh, err = hT.MatMul(da)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	dB, err = da.Sum(0)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	return dx, dPrevHidden, dPrevCell, dWx, dWh, dB, nil
}

// SequenceForward unrolls the LSTM over a whole padded batch.
//
// x has shape (N, T, D) and h0 shape (N, H); the initial cell state is zero
// and is not caller-supplied. Timesteps are strictly sequential: step t needs
// step t-1's hidden and cell state. The returned caches are ordered by
// timestep and feed SequenceBackward.
func SequenceForward(x, h0, wx, wh, b *Tensor) (*Tensor, []*StepCache, error) {
	if len(x.Shape) != 3 {
		return nil, nil, fmt.Errorf("sequence input must be 3D (batch, time, features), got shape %v", x.Shape)
	}
	if len(h0.Shape) != 2 || h0.Shape[0] != x.Shape[0] {
		return nil, nil, fmt.Errorf("initial hidden state must have shape [%d, H], got %v", x.Shape[0], h0.Shape)
	}

	batchSize := x.Shape[0]
	seqLen := x.Shape[1]
	inputSize := x.Shape[2]
	hiddenSize := h0.Shape[1]

	hidden := NewTensor([]int{batchSize, seqLen, hiddenSize}, nil, false)
	caches := make([]*StepCache, 0, seqLen)

	prevHidden := h0
	prevCell := NewTensor([]int{batchSize, hiddenSize}, nil, false)

	for t := 0; t < seqLen; t++ {
		xt, err := x.Slice(1, t, t+1)
		if err != nil {
			return nil, nil, err
		}
		xt, err = xt.Reshape([]int{batchSize, inputSize})
		if err != nil {
			return nil, nil, err
		}

		stepHidden, stepCell, cache, err := StepForward(xt, prevHidden, prevCell, wx, wh, b)
		if err != nil {
			return nil, nil, fmt.Errorf("forward failed at timestep %d: %w", t, err)
		}

		stepOut, err := stepHidden.Reshape([]int{batchSize, 1, hiddenSize})
		if err != nil {
			return nil, nil, err
		}
		if err := hidden.SetSlice(1, t, stepOut); err != nil {
			return nil, nil, err
		}

		caches = append(caches, cache)
		prevHidden = stepHidden
		prevCell = stepCell
	}

	return hidden, caches, nil
}

// SequenceBackward runs backpropagation through time over the cache list from
// SequenceForward. dHidden (N, T, H) holds the upstream gradient for every
// timestep's hidden output.
//
// Two different accumulation rules apply, and mixing them up is the classic
// BPTT bug: the weight and bias gradients are summed across all timesteps,
// while the carried hidden/cell gradients are replaced each step with the
// freshly computed dPrevHidden/dPrevCell. After the earliest timestep the
// carried hidden gradient is the gradient with respect to h0.
func SequenceBackward(dHidden *Tensor, caches []*StepCache) (dx, dH0, dWx, dWh, dB *Tensor, err error) {
	if len(caches) == 0 {
		return nil, nil, nil, nil, nil, fmt.Errorf("backward requires at least one cached timestep")
	}
	seqLen := len(caches)
	batchSize := caches[0].PrevHidden.Shape[0]
	hiddenSize := caches[0].PrevHidden.Shape[1]
	inputSize := caches[0].Input.Shape[1]

	wantShape := []int{batchSize, seqLen, hiddenSize}
	if len(dHidden.Shape) != 3 || dHidden.Shape[0] != batchSize || dHidden.Shape[1] != seqLen || dHidden.Shape[2] != hiddenSize {
		return nil, nil, nil, nil, nil,
			fmt.Errorf("upstream gradient must have shape %v, got %v", wantShape, dHidden.Shape)
	}

	dx = NewTensor([]int{batchSize, seqLen, inputSize}, nil, false)
	dWx = NewTensor(caches[0].Wx.Shape, nil, false)
	dWh = NewTensor(caches[0].Wh.Shape, nil, false)
	dB = NewTensor([]int{4 * hiddenSize}, nil, false)

	dHiddenNext := NewTensor([]int{batchSize, hiddenSize}, nil, false)
	dCellNext := NewTensor([]int{batchSize, hiddenSize}, nil, false)

	for t := seqLen - 1; t >= 0; t-- {
		dht, err := dHidden.Slice(1, t, t+1)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		dht, err = dht.Reshape([]int{batchSize, hiddenSize})
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}

		// Loss gradient for this timestep plus the recurrent gradient
		// carried back from timestep t+1.
		total, err := dht.Add(dHiddenNext)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}

		stepDx, stepDPrevHidden, stepDPrevCell, stepDWx, stepDWh, stepDB, err := StepBackward(total, dCellNext, caches[t])
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("backward failed at timestep %d: %w", t, err)
		}

		stepDx3, err := stepDx.Reshape([]int{batchSize, 1, inputSize})
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		if err := dx.SetSlice(1, t, stepDx3); err != nil {
			return nil, nil, nil, nil, nil, err
		}

		if dWx, err = dWx.Add(stepDWx); err != nil {
			return nil, nil, nil, nil, nil, err
		}
		if dWh, err = dWh.Add(stepDWh); err != nil {
			return nil, nil, nil, nil, nil, err
		}
		if dB, err = dB.Add(stepDB); err != nil {
			return nil, nil, nil, nil, nil, err
		}

		dHiddenNext = stepDPrevHidden
		dCellNext = stepDPrevCell
	}

	return dx, dHiddenNext, dWx, dWh, dB, nil
}
