package device

// Tensor represents a two-dimensional float32 array owned by a Backend.
//
// Batched point tensors are stored flattened: a [B, N, C] tensor has B*N rows
// and C columns, a [B, N, K, C] neighbourhood tensor has B*N*K rows with the K
// neighbours of each query stored contiguously. The group operations below
// (GroupSoftmax, GroupSum, GroupMax) work on those K-row blocks.
//
// Shape violations panic with a *ShapeError.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if available on CPU (nil otherwise).
	Data() []float32

	// ToHost copies the data to a Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	// Clone returns a deep copy.
	Clone() Tensor

	// Mul performs matrix multiplication.
	// Convention: t.Mul(a, b) means t = a * b
	Mul(a, b Tensor)

	// MulTransA performs t = aᵀ * b.
	MulTransA(a, b Tensor)

	// MulTransB performs t = a * bᵀ.
	MulTransB(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Sub performs element-wise subtraction: t = t - other
	Sub(other Tensor)

	// MulElem performs the element-wise (Hadamard) product: t = t ⊙ other
	MulElem(other Tensor)

	// ScaleRows multiplies row i by scale[i] (In-Place).
	ScaleRows(scale []float32)

	// AddBias adds a 1xC bias row to every row.
	AddBias(bias Tensor)

	// ReLU clamps negative values to zero (In-Place).
	ReLU()

	// ReLUBackward zeroes the gradient t wherever output, the result of
	// ReLU, is not positive (In-Place).
	ReLUBackward(output Tensor)

	// BatchNorm normalises every column with the mean and biased variance
	// computed over all rows, then applies gamma and beta (In-Place).
	BatchNorm(gamma, beta Tensor, eps float32)

	// Normalize applies precomputed per-column statistics (In-Place).
	Normalize(gamma, beta, mean, variance Tensor, eps float32)

	// BatchNormBackward turns t, the gradient of a normalisation output,
	// into the gradient of its input (In-Place). input is the tensor before
	// normalisation. With nil mean and variance the batch statistics of
	// input are used and differentiated through; otherwise the given
	// statistics are constants. Returns the 1xC gamma and beta gradients.
	BatchNormBackward(input, gamma, mean, variance Tensor, eps float32) (dGamma, dBeta Tensor)

	// GroupSoftmax applies a softmax to every column of each block of
	// group consecutive rows (In-Place).
	GroupSoftmax(group int)

	// GroupSum reduces each block of group consecutive rows to one row by
	// summation. Returns new Tensor.
	GroupSum(group int) Tensor

	// GroupMax reduces each block of group consecutive rows to one row by
	// taking the column-wise maximum. Returns new Tensor.
	GroupMax(group int) Tensor

	// GroupArgMax returns, for every block of group rows and every column,
	// the row index of the maximum (the first one on ties), laid out
	// [blocks, cols].
	GroupArgMax(group int) []int

	// ScatterGroupMax routes the rows of src, a GroupMax gradient, back to
	// the rows named by argmax: t[argmax[b*C+j], j] += src[b, j] (In-Place).
	ScatterGroupMax(argmax []int, src Tensor)

	// RepeatRows repeats every row n times consecutively. Returns new Tensor.
	RepeatRows(n int) Tensor

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// ScatterAdd is the adjoint of Gather: row i of src is added to row
	// indices[i] of t (In-Place).
	ScatterAdd(indices []int, src Tensor)

	// Linear performs a fused MatMul + BiasAdd.
	// equivalent to: t.Mul(input, weight); t.AddBias(bias)
	// returns result tensor
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by Activation.
	LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationReLU
)

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
