// Package tensor provides the float64 Tensor type used by every layer in the
// captioner, together with the matrix and elementwise operations the LSTM
// recurrence and the dense layers are built from.
package tensor

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Tensor represents a multi-dimensional array of float64 values.
type Tensor struct {
	Data         []float64
	Shape        []int
	Grad         *Tensor `gob:"-"` // Exclude Grad from gob serialization
	RequiresGrad bool
}

// NewTensor creates a new Tensor with the given shape and optional data.
// If data is nil, the tensor is zero-filled.
func NewTensor(shape []int, data []float64, requiresGrad bool) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if data == nil {
		data = make([]float64, size)
	}
	if len(data) != size {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Data:         data,
		Shape:        shape,
		RequiresGrad: requiresGrad,
	}
}

// GobEncode implements the gob.GobEncoder interface.
func (t *Tensor) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(t.Data); err != nil {
		return nil, err
	}
	if err := enc.Encode(t.Shape); err != nil {
		return nil, err
	}
	if err := enc.Encode(t.RequiresGrad); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface.
func (t *Tensor) GobDecode(data []byte) error {
	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)
	if err := dec.Decode(&t.Data); err != nil {
		return err
	}
	if err := dec.Decode(&t.Shape); err != nil {
		return err
	}
	return dec.Decode(&t.RequiresGrad)
}

// Clone creates a deep copy of the tensor. The clone carries no gradient.
func (t *Tensor) Clone() *Tensor {
	newData := make([]float64, len(t.Data))
	copy(newData, t.Data)
	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	return &Tensor{
		Data:         newData,
		Shape:        newShape,
		RequiresGrad: t.RequiresGrad,
	}
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// ZeroGrad resets the gradient of the tensor.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		for i := range t.Grad.Data {
			t.Grad.Data[i] = 0
		}
	}
}

// AccumulateGrad adds g into the tensor's gradient, allocating it on first use.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if !compareShapes(t.Shape, g.Shape) {
		return fmt.Errorf("mismatched shapes for gradient accumulation: %v and %v", t.Shape, g.Shape)
	}
	if t.Grad == nil {
		t.Grad = NewTensor(t.Shape, nil, false)
	}
	for i := range g.Data {
		t.Grad.Data[i] += g.Data[i]
	}
	return nil
}

// Get retrieves the value at the given multi-dimensional indices.
func (t *Tensor) Get(indices []int) float64 {
	return t.Data[t.flatIndex(indices)]
}

// Set writes the value at the given multi-dimensional indices.
func (t *Tensor) Set(indices []int, value float64) {
	t.Data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.Shape), len(indices)))
	}
	strides := calculateStrides(t.Shape)
	flat := 0
	for i, idx := range indices {
		flat += idx * strides[i]
	}
	return flat
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func getCoords(flatIndex int, shape, strides []int) []int {
	coords := make([]int, len(shape))
	for i := range shape {
		coords[i] = flatIndex / strides[i]
		flatIndex %= strides[i]
	}
	return coords
}

func compareShapes(s1, s2 []int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			return false
		}
	}
	return true
}

// Above this element count a 2D matrix product is handed to gonum's BLAS
// routines; below it the parallel Go loop wins on call overhead.
const blasThreshold = 64 * 64

// MatMul performs 2D matrix multiplication. Large products are delegated to
// gonum's mat.Dense; small ones use a row-partitioned worker loop.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 || len(other.Shape) != 2 {
		return nil, fmt.Errorf("MatMul supports 2D tensors only, got shapes %v and %v", t.Shape, other.Shape)
	}
	if t.Shape[1] != other.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for matrix multiplication: %v and %v", t.Shape, other.Shape)
	}

	rows := t.Shape[0]
	inner := t.Shape[1]
	cols := other.Shape[1]

	if rows*inner >= blasThreshold || inner*cols >= blasThreshold {
		a := mat.NewDense(rows, inner, t.Data)
		b := mat.NewDense(inner, cols, other.Data)
		out := mat.NewDense(rows, cols, nil)
		out.Mul(a, b)
		raw := out.RawMatrix().Data
		resultData := make([]float64, len(raw))
		copy(resultData, raw)
		return NewTensor([]int{rows, cols}, resultData, false), nil
	}

	resultData := make([]float64, rows*cols)

	var wg sync.WaitGroup
	numWorkers := runtime.NumCPU()
	if numWorkers > rows {
		numWorkers = rows
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > rows {
			endRow = rows
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				for j := 0; j < cols; j++ {
					sum := 0.0
					for k := 0; k < inner; k++ {
						sum += t.Data[i*inner+k] * other.Data[k*cols+j]
					}
					resultData[i*cols+j] = sum
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()

	return NewTensor([]int{rows, cols}, resultData, false), nil
}

// Transpose swaps two axes of the tensor.
func (t *Tensor) Transpose(axis1, axis2 int) (*Tensor, error) {
	if axis1 < 0 || axis1 >= len(t.Shape) || axis2 < 0 || axis2 >= len(t.Shape) {
		return nil, fmt.Errorf("transpose axes (%d, %d) out of bounds for shape %v", axis1, axis2, t.Shape)
	}

	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[axis1], newShape[axis2] = newShape[axis2], newShape[axis1]

	newData := make([]float64, len(t.Data))
	oldStrides := calculateStrides(t.Shape)
	newStrides := calculateStrides(newShape)

	for i := range t.Data {
		coords := getCoords(i, t.Shape, oldStrides)
		coords[axis1], coords[axis2] = coords[axis2], coords[axis1]
		newIndex := 0
		for d, c := range coords {
			newIndex += c * newStrides[d]
		}
		newData[newIndex] = t.Data[i]
	}

	return NewTensor(newShape, newData, false), nil
}

// Reshape returns a copy of the tensor with a new shape of equal size.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", len(t.Data), newShape)
	}
	newData := make([]float64, len(t.Data))
	copy(newData, t.Data)
	return NewTensor(newShape, newData, t.RequiresGrad), nil
}

// Add performs elementwise addition of two same-shaped tensors.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, fmt.Errorf("mismatched shapes for addition: %v and %v", t.Shape, other.Shape)
	}
	resultData := make([]float64, len(t.Data))
	for i := range t.Data {
		resultData[i] = t.Data[i] + other.Data[i]
	}
	return NewTensor(t.Shape, resultData, false), nil
}

// Mul performs elementwise multiplication of two same-shaped tensors.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, fmt.Errorf("mismatched shapes for multiplication: %v and %v", t.Shape, other.Shape)
	}
	resultData := make([]float64, len(t.Data))
	for i := range t.Data {
		resultData[i] = t.Data[i] * other.Data[i]
	}
	return NewTensor(t.Shape, resultData, false), nil
}

// MulScalar multiplies every element by a scalar.
func (t *Tensor) MulScalar(val float64) (*Tensor, error) {
	resultData := make([]float64, len(t.Data))
	for i := range t.Data {
		resultData[i] = t.Data[i] * val
	}
	return NewTensor(t.Shape, resultData, false), nil
}

// AddWithBroadcast adds two tensors with numpy-style broadcasting. Shapes are
// right-aligned and size-1 dimensions are stretched.
func (t *Tensor) AddWithBroadcast(other *Tensor) (*Tensor, error) {
	maxDims := len(t.Shape)
	if len(other.Shape) > maxDims {
		maxDims = len(other.Shape)
	}

	paddedT := make([]int, maxDims)
	paddedOther := make([]int, maxDims)
	for i := range paddedT {
		paddedT[i] = 1
		paddedOther[i] = 1
	}
	copy(paddedT[maxDims-len(t.Shape):], t.Shape)
	copy(paddedOther[maxDims-len(other.Shape):], other.Shape)

	resultShape := make([]int, maxDims)
	for i := 0; i < maxDims; i++ {
		dimT, dimOther := paddedT[i], paddedOther[i]
		if dimT != dimOther && dimT != 1 && dimOther != 1 {
			return nil, fmt.Errorf("unsupported shapes for broadcast addition: %v and %v", t.Shape, other.Shape)
		}
		if dimT > dimOther {
			resultShape[i] = dimT
		} else {
			resultShape[i] = dimOther
		}
	}

	stridesT := calculateStrides(paddedT)
	stridesOther := calculateStrides(paddedOther)
	stridesResult := calculateStrides(resultShape)

	resultSize := 1
	for _, dim := range resultShape {
		resultSize *= dim
	}
	resultData := make([]float64, resultSize)

	for i := 0; i < resultSize; i++ {
		coords := getCoords(i, resultShape, stridesResult)
		idxT, idxOther := 0, 0
		for dim := 0; dim < maxDims; dim++ {
			if paddedT[dim] != 1 {
				idxT += coords[dim] * stridesT[dim]
			}
			if paddedOther[dim] != 1 {
				idxOther += coords[dim] * stridesOther[dim]
			}
		}
		resultData[i] = t.Data[idxT] + other.Data[idxOther]
	}

	return NewTensor(resultShape, resultData, false), nil
}

// Sigmoid applies the logistic function elementwise.
func (t *Tensor) Sigmoid() (*Tensor, error) {
	resultData := make([]float64, len(t.Data))
	for i, v := range t.Data {
		resultData[i] = 1.0 / (1.0 + math.Exp(-v))
	}
	return NewTensor(t.Shape, resultData, false), nil
}

// Tanh applies the hyperbolic tangent elementwise.
func (t *Tensor) Tanh() (*Tensor, error) {
	resultData := make([]float64, len(t.Data))
	for i, v := range t.Data {
		resultData[i] = math.Tanh(v)
	}
	return NewTensor(t.Shape, resultData, false), nil
}

// SigmoidBackward computes grad * s * (1 - s) given the upstream gradient
// (the receiver) and the sigmoid output s.
func (t *Tensor) SigmoidBackward(sigmoidOutput *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, sigmoidOutput.Shape) {
		return nil, fmt.Errorf("mismatched shapes for SigmoidBackward: %v and %v", t.Shape, sigmoidOutput.Shape)
	}
	resultData := make([]float64, len(t.Data))
	for i := range t.Data {
		s := sigmoidOutput.Data[i]
		resultData[i] = t.Data[i] * s * (1 - s)
	}
	return NewTensor(t.Shape, resultData, false), nil
}

// TanhBackward computes grad * (1 - y*y) given the upstream gradient (the
// receiver) and the tanh output y.
func (t *Tensor) TanhBackward(tanhOutput *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, tanhOutput.Shape) {
		return nil, fmt.Errorf("mismatched shapes for TanhBackward: %v and %v", t.Shape, tanhOutput.Shape)
	}
	resultData := make([]float64, len(t.Data))
	for i := range t.Data {
		y := tanhOutput.Data[i]
		resultData[i] = t.Data[i] * (1 - y*y)
	}
	return NewTensor(t.Shape, resultData, false), nil
}

// Sum reduces the tensor along the given axis.
func (t *Tensor) Sum(axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("axis %d out of bounds for tensor with shape %v", axis, t.Shape)
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, dim := range t.Shape {
		if i != axis {
			newShape = append(newShape, dim)
		}
	}
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	newData := make([]float64, newSize)

	strides := calculateStrides(t.Shape)
	newStrides := calculateStrides(newShape)

	for i := 0; i < len(t.Data); i++ {
		coords := getCoords(i, t.Shape, strides)
		newIndex := 0
		pos := 0
		for j, coord := range coords {
			if j != axis {
				newIndex += coord * newStrides[pos]
				pos++
			}
		}
		newData[newIndex] += t.Data[i]
	}

	return NewTensor(newShape, newData, false), nil
}

// Slice extracts [start, end) along the given axis, keeping the axis.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("axis %d out of bounds for tensor with shape %v", axis, t.Shape)
	}
	if start < 0 || end > t.Shape[axis] || start > end {
		return nil, fmt.Errorf("invalid slice [%d, %d) for axis %d with size %d", start, end, axis, t.Shape[axis])
	}

	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[axis] = end - start

	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	newData := make([]float64, newSize)

	strides := calculateStrides(t.Shape)
	newStrides := calculateStrides(newShape)

	for i := 0; i < newSize; i++ {
		coords := getCoords(i, newShape, newStrides)
		coords[axis] += start
		originalIndex := 0
		for d, c := range coords {
			originalIndex += c * strides[d]
		}
		newData[i] = t.Data[originalIndex]
	}

	return NewTensor(newShape, newData, t.RequiresGrad), nil
}

// SetSlice writes src into [start, start+src.Shape[axis]) along the given
// axis. src must match t in every other dimension.
func (t *Tensor) SetSlice(axis, start int, src *Tensor) error {
	if axis < 0 || axis >= len(t.Shape) {
		return fmt.Errorf("axis %d out of bounds for tensor with shape %v", axis, t.Shape)
	}
	if len(src.Shape) != len(t.Shape) {
		return fmt.Errorf("source rank %d does not match destination rank %d", len(src.Shape), len(t.Shape))
	}
	for d := range t.Shape {
		if d == axis {
			continue
		}
		if src.Shape[d] != t.Shape[d] {
			return fmt.Errorf("source shape %v is incompatible with destination shape %v along axis %d", src.Shape, t.Shape, axis)
		}
	}
	if start < 0 || start+src.Shape[axis] > t.Shape[axis] {
		return fmt.Errorf("slice [%d, %d) out of bounds for axis %d with size %d", start, start+src.Shape[axis], axis, t.Shape[axis])
	}

	strides := calculateStrides(t.Shape)
	srcStrides := calculateStrides(src.Shape)

	for i := range src.Data {
		coords := getCoords(i, src.Shape, srcStrides)
		coords[axis] += start
		destIndex := 0
		for d, c := range coords {
			destIndex += c * strides[d]
		}
		t.Data[destIndex] = src.Data[i]
	}

	return nil
}

// Concat concatenates tensors along the given axis. All tensors must share
// every other dimension.
func Concat(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}
	if axis < 0 || axis >= len(tensors[0].Shape) {
		return nil, fmt.Errorf("axis %d out of bounds for tensor with shape %v", axis, tensors[0].Shape)
	}

	newShape := make([]int, len(tensors[0].Shape))
	copy(newShape, tensors[0].Shape)
	concatDim := 0
	for i, t := range tensors {
		if i > 0 && !compareShapesExceptAxis(tensors[0].Shape, t.Shape, axis) {
			return nil, fmt.Errorf("mismatched shapes for concatenation along axis %d: %v and %v", axis, tensors[0].Shape, t.Shape)
		}
		concatDim += t.Shape[axis]
	}
	newShape[axis] = concatDim

	result := NewTensor(newShape, nil, false)
	offset := 0
	for _, t := range tensors {
		if err := result.SetSlice(axis, offset, t); err != nil {
			return nil, fmt.Errorf("error placing tensor during concatenation: %w", err)
		}
		offset += t.Shape[axis]
	}

	return result, nil
}

// Split cuts the tensor into pieces of the given sizes along an axis. It is
// the inverse of Concat.
func Split(t *Tensor, axis int, splitSizes []int) ([]*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("axis %d out of bounds for tensor with shape %v", axis, t.Shape)
	}

	total := 0
	for _, size := range splitSizes {
		total += size
	}
	if total != t.Shape[axis] {
		return nil, fmt.Errorf("sum of split sizes (%d) does not match tensor dimension along axis %d (%d)", total, axis, t.Shape[axis])
	}

	var result []*Tensor
	start := 0
	for _, size := range splitSizes {
		piece, err := t.Slice(axis, start, start+size)
		if err != nil {
			return nil, fmt.Errorf("error slicing tensor during split: %w", err)
		}
		result = append(result, piece)
		start += size
	}

	return result, nil
}

// Argmax returns the index of the maximum element along the given axis.
// Negative axes count from the end.
func (t *Tensor) Argmax(axis int) (*Tensor, error) {
	if axis < 0 {
		axis = len(t.Shape) + axis
	}
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("axis %d out of bounds for tensor with shape %v", axis, t.Shape)
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, dim := range t.Shape {
		if i != axis {
			newShape = append(newShape, dim)
		}
	}
	if len(newShape) == 0 {
		newShape = []int{1}
	}

	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	newData := make([]float64, newSize)

	strides := calculateStrides(t.Shape)
	newStrides := calculateStrides(newShape)

	for i := 0; i < newSize; i++ {
		outer := getCoords(i, newShape, newStrides)

		maxVal := math.Inf(-1)
		maxIndex := 0
		for k := 0; k < t.Shape[axis]; k++ {
			coords := make([]int, len(t.Shape))
			pos := 0
			for d := range coords {
				if d == axis {
					coords[d] = k
				} else {
					coords[d] = outer[pos]
					pos++
				}
			}
			flat := 0
			for d, c := range coords {
				flat += c * strides[d]
			}
			if t.Data[flat] > maxVal {
				maxVal = t.Data[flat]
				maxIndex = k
			}
		}
		newData[i] = float64(maxIndex)
	}

	return NewTensor(newShape, newData, false), nil
}

func compareShapesExceptAxis(s1, s2 []int, ignoredAxis int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i := range s1 {
		if i == ignoredAxis {
			continue
		}
		if s1[i] != s2[i] {
			return false
		}
	}
	return true
}
