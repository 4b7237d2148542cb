package nn

import (
	"math"

	. "github.com/neuralsnap/captioner/neural/tensor"
)

// Optimizer interface defines the contract for optimizers.
type Optimizer interface {
	Step()
	ZeroGrad()
}

// Adam represents the Adam optimizer with elementwise gradient clipping.
type Adam struct {
	parameters   []*Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int
	m            map[*Tensor]*Tensor // 1st moment vector
	v            map[*Tensor]*Tensor // 2nd moment vector
	clipValue    float64
}

// NewOptimizer creates a new Adam optimizer.
func NewOptimizer(parameters []*Tensor, learningRate float64, clipValue float64) Optimizer {
	return &Adam{
		parameters:   parameters,
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		t:            0,
		m:            make(map[*Tensor]*Tensor),
		v:            make(map[*Tensor]*Tensor),
		clipValue:    clipValue,
	}
}

// Step performs a single optimization step over all parameters that have
// accumulated gradients.
func (o *Adam) Step() {
	o.t++
	biasCorr1 := 1 - math.Pow(o.beta1, float64(o.t))
	biasCorr2 := 1 - math.Pow(o.beta2, float64(o.t))

	for _, p := range o.parameters {
		if p.Grad == nil {
			continue
		}
		if _, ok := o.m[p]; !ok {
			o.m[p] = NewTensor(p.Shape, nil, false)
			o.v[p] = NewTensor(p.Shape, nil, false)
		}
		m := o.m[p].Data
		v := o.v[p].Data

		for i, g := range p.Grad.Data {
			if g > o.clipValue {
				g = o.clipValue
			} else if g < -o.clipValue {
				g = -o.clipValue
			}

			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g

			mHat := m[i] / biasCorr1
			vHat := v[i] / biasCorr2
			p.Data[i] -= o.learningRate * mHat / (math.Sqrt(vHat) + o.epsilon)
		}
	}
}

// ZeroGrad resets the gradients of all parameters.
func (o *Adam) ZeroGrad() {
	for _, p := range o.parameters {
		p.ZeroGrad()
	}
}
