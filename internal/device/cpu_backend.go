package device

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-pointformer/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// blasName is the sgemm implementation registered with blas32.
var blasName = "gonum"

// BLAS reports which sgemm implementation the CPU kernels use.
func BLAS() string {
	return blasName
}

// minParallelRows is the row count below which kernels stay on one goroutine.
const minParallelRows = 256

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			shapePanic("NewTensor", r, c, len(data), 1)
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		clear(ct.data)
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
}

func (t *CPUTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	t.data[i*t.cols+j] = v
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		shapePanic("CopyFromFloat32", t.rows, t.cols, len(data), 1)
	}
	copy(t.data, data)
}

func (t *CPUTensor) Clone() Tensor {
	return t.backend.NewTensor(t.rows, t.cols, t.data)
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, mb := cpu(a), cpu(b)

	if ma.cols != mb.rows {
		shapePanic("Mul", ma.rows, ma.cols, mb.rows, mb.cols)
	}
	if t.rows != ma.rows || t.cols != mb.cols {
		shapePanic("Mul", ma.rows, mb.cols, t.rows, t.cols)
	}
	if t.rows == 0 || t.cols == 0 {
		return
	}
	if ma.cols == 0 {
		clear(t.data)
		return
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: ma.rows, Cols: ma.cols, Stride: ma.cols, Data: ma.data},
		blas32.General{Rows: mb.rows, Cols: mb.cols, Stride: mb.cols, Data: mb.data},
		0,
		blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data},
	)
}

func (t *CPUTensor) MulTransA(a, b Tensor) {
	ma, mb := cpu(a), cpu(b)

	if ma.rows != mb.rows {
		shapePanic("MulTransA", ma.rows, ma.cols, mb.rows, mb.cols)
	}
	if t.rows != ma.cols || t.cols != mb.cols {
		shapePanic("MulTransA", ma.cols, mb.cols, t.rows, t.cols)
	}
	if t.rows == 0 || t.cols == 0 {
		return
	}
	if ma.rows == 0 {
		clear(t.data)
		return
	}

	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		blas32.General{Rows: ma.rows, Cols: ma.cols, Stride: ma.cols, Data: ma.data},
		blas32.General{Rows: mb.rows, Cols: mb.cols, Stride: mb.cols, Data: mb.data},
		0,
		blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data},
	)
}

func (t *CPUTensor) MulTransB(a, b Tensor) {
	ma, mb := cpu(a), cpu(b)

	if ma.cols != mb.cols {
		shapePanic("MulTransB", ma.rows, ma.cols, mb.rows, mb.cols)
	}
	if t.rows != ma.rows || t.cols != mb.rows {
		shapePanic("MulTransB", ma.rows, mb.rows, t.rows, t.cols)
	}
	if t.rows == 0 || t.cols == 0 {
		return
	}
	if ma.cols == 0 {
		clear(t.data)
		return
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: ma.rows, Cols: ma.cols, Stride: ma.cols, Data: ma.data},
		blas32.General{Rows: mb.rows, Cols: mb.cols, Stride: mb.cols, Data: mb.data},
		0,
		blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data},
	)
}

func (t *CPUTensor) Add(other Tensor) {
	mustMatch("Add", t, other)
	simd.VecAdd(t.data, cpu(other).data)
}

func (t *CPUTensor) Sub(other Tensor) {
	mustMatch("Sub", t, other)
	simd.VecSub(t.data, cpu(other).data)
}

func (t *CPUTensor) MulElem(other Tensor) {
	mustMatch("MulElem", t, other)
	simd.VecMul(t.data, cpu(other).data)
}

func (t *CPUTensor) ScaleRows(scale []float32) {
	if len(scale) != t.rows {
		shapePanic("ScaleRows", t.rows, 1, len(scale), 1)
	}
	c := t.cols
	for i, s := range scale {
		row := t.data[i*c : (i+1)*c]
		for j := range row {
			row[j] *= s
		}
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt := cpu(bias)
	if bt.rows*bt.cols != t.cols {
		shapePanic("AddBias", 1, t.cols, bt.rows, bt.cols)
	}

	c := t.cols
	for i := 0; i < t.rows; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], bt.data)
	}
}

func (t *CPUTensor) ReLU() {
	simd.ReLU(t.data)
}

func (t *CPUTensor) ReLUBackward(output Tensor) {
	mustMatch("ReLUBackward", t, output)
	simd.ReLUGrad(t.data, cpu(output).data)
}

func (t *CPUTensor) BatchNorm(gamma, beta Tensor, eps float32) {
	if t.rows == 0 {
		return
	}
	m, v := t.columnStats()
	t.normalize(cpu(gamma).data, cpu(beta).data, m, v, eps)
}

// columnStats returns the per-column mean and biased variance.
func (t *CPUTensor) columnStats() (mean, variance []float32) {
	r, c := t.rows, t.cols

	// Accumulate in float64: rows can number in the hundreds of thousands.
	sum := make([]float64, c)
	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		for j, v := range row {
			sum[j] += float64(v)
		}
	}
	for j := range sum {
		sum[j] /= float64(r)
	}

	sq := make([]float64, c)
	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		for j, v := range row {
			d := float64(v) - sum[j]
			sq[j] += d * d
		}
	}

	mean = make([]float32, c)
	variance = make([]float32, c)
	for j := range sq {
		mean[j] = float32(sum[j])
		variance[j] = float32(sq[j] / float64(r))
	}
	return mean, variance
}

func (t *CPUTensor) BatchNormBackward(input, gamma, mean, variance Tensor, eps float32) (Tensor, Tensor) {
	x := cpu(input)
	mustMatch("BatchNormBackward", t, x)
	r, c := t.rows, t.cols
	g := cpu(gamma).data
	if len(g) != c {
		shapePanic("BatchNormBackward", 1, c, 1, len(g))
	}

	batchStats := mean == nil || variance == nil
	var mu, vr []float32
	if batchStats {
		mu, vr = x.columnStats()
	} else {
		mu, vr = cpu(mean).data, cpu(variance).data
	}

	invStd := make([]float64, c)
	for j := range invStd {
		invStd[j] = 1 / math.Sqrt(float64(vr[j]+eps))
	}

	// dBeta = Σ dy, dGamma = Σ dy·x̂
	sumDy := make([]float64, c)
	sumDyXhat := make([]float64, c)
	for i := 0; i < r; i++ {
		dy := t.data[i*c : (i+1)*c]
		xr := x.data[i*c : (i+1)*c]
		for j := range dy {
			xhat := (float64(xr[j]) - float64(mu[j])) * invStd[j]
			sumDy[j] += float64(dy[j])
			sumDyXhat[j] += float64(dy[j]) * xhat
		}
	}

	dGamma := t.backend.NewTensor(1, c, nil).(*CPUTensor)
	dBeta := t.backend.NewTensor(1, c, nil).(*CPUTensor)
	for j := 0; j < c; j++ {
		dGamma.data[j] = float32(sumDyXhat[j])
		dBeta.data[j] = float32(sumDy[j])
	}

	n := float64(r)
	parallelRows(r, func(start, end int) {
		for i := start; i < end; i++ {
			dy := t.data[i*c : (i+1)*c]
			xr := x.data[i*c : (i+1)*c]
			for j := range dy {
				scale := float64(g[j]) * invStd[j]
				if !batchStats {
					dy[j] = float32(float64(dy[j]) * scale)
					continue
				}
				xhat := (float64(xr[j]) - float64(mu[j])) * invStd[j]
				dy[j] = float32(scale / n * (n*float64(dy[j]) - sumDy[j] - xhat*sumDyXhat[j]))
			}
		}
	})
	return dGamma, dBeta
}

func (t *CPUTensor) Normalize(gamma, beta, mean, variance Tensor, eps float32) {
	t.normalize(cpu(gamma).data, cpu(beta).data, cpu(mean).data, cpu(variance).data, eps)
}

func (t *CPUTensor) normalize(gamma, beta, mean, variance []float32, eps float32) {
	c := t.cols
	if len(gamma) != c || len(beta) != c || len(mean) != c || len(variance) != c {
		shapePanic("Normalize", 1, c, 1, len(gamma))
	}

	scale := make([]float32, c)
	shift := make([]float32, c)
	for j := 0; j < c; j++ {
		invStd := float32(1.0 / math.Sqrt(float64(variance[j]+eps)))
		scale[j] = gamma[j] * invStd
		shift[j] = beta[j] - mean[j]*scale[j]
	}

	parallelRows(t.rows, func(start, end int) {
		for i := start; i < end; i++ {
			row := t.data[i*c : (i+1)*c]
			simd.VecMul(row, scale)
			simd.VecAdd(row, shift)
		}
	})
}

func (t *CPUTensor) GroupSoftmax(group int) {
	mustGroup("GroupSoftmax", t.rows, t.cols, group)
	c := t.cols
	groups := t.rows / group

	parallelRows(groups, func(start, end int) {
		maxRow := make([]float32, c)
		inv := make([]float32, c)
		sum := make([]float64, c)
		for g := start; g < end; g++ {
			block := t.data[g*group*c : (g+1)*group*c]

			copy(maxRow, block[:c])
			for k := 1; k < group; k++ {
				simd.VecMax(maxRow, block[k*c:(k+1)*c])
			}

			clear(sum)
			for k := 0; k < group; k++ {
				row := block[k*c : (k+1)*c]
				for j := range row {
					e := math.Exp(float64(row[j] - maxRow[j]))
					row[j] = float32(e)
					sum[j] += e
				}
			}

			for j := range sum {
				inv[j] = float32(1 / sum[j])
			}
			for k := 0; k < group; k++ {
				simd.VecMul(block[k*c:(k+1)*c], inv)
			}
		}
	})
}

func (t *CPUTensor) GroupSum(group int) Tensor {
	mustGroup("GroupSum", t.rows, t.cols, group)
	c := t.cols
	groups := t.rows / group
	out := t.backend.NewTensor(groups, c, nil).(*CPUTensor)

	parallelRows(groups, func(start, end int) {
		for g := start; g < end; g++ {
			dst := out.data[g*c : (g+1)*c]
			for k := 0; k < group; k++ {
				src := (g*group + k) * c
				simd.VecAdd(dst, t.data[src:src+c])
			}
		}
	})
	return out
}

func (t *CPUTensor) GroupMax(group int) Tensor {
	mustGroup("GroupMax", t.rows, t.cols, group)
	c := t.cols
	groups := t.rows / group
	out := t.backend.NewTensor(groups, c, nil).(*CPUTensor)

	parallelRows(groups, func(start, end int) {
		for g := start; g < end; g++ {
			dst := out.data[g*c : (g+1)*c]
			copy(dst, t.data[g*group*c:(g*group+1)*c])
			for k := 1; k < group; k++ {
				src := (g*group + k) * c
				simd.VecMax(dst, t.data[src:src+c])
			}
		}
	})
	return out
}

func (t *CPUTensor) GroupArgMax(group int) []int {
	mustGroup("GroupArgMax", t.rows, t.cols, group)
	c := t.cols
	groups := t.rows / group
	out := make([]int, groups*c)

	parallelRows(groups, func(start, end int) {
		for g := start; g < end; g++ {
			for j := 0; j < c; j++ {
				best := g * group
				for k := 1; k < group; k++ {
					row := g*group + k
					if t.data[row*c+j] > t.data[best*c+j] {
						best = row
					}
				}
				out[g*c+j] = best
			}
		}
	})
	return out
}

func (t *CPUTensor) ScatterGroupMax(argmax []int, src Tensor) {
	s := cpu(src)
	c := t.cols
	if s.cols != c || len(argmax) != s.rows*c {
		shapePanic("ScatterGroupMax", len(argmax)/max(c, 1), c, s.rows, s.cols)
	}
	for i, row := range argmax {
		if row < 0 || row >= t.rows {
			shapePanic("ScatterGroupMax", t.rows, c, row, c)
		}
		t.data[row*c+i%c] += s.data[i]
	}
}

func (t *CPUTensor) RepeatRows(n int) Tensor {
	if n <= 0 {
		shapePanic("RepeatRows", t.rows*n, t.cols, t.rows, t.cols)
	}
	c := t.cols
	out := t.backend.NewTensor(t.rows*n, c, nil).(*CPUTensor)
	for i := 0; i < t.rows; i++ {
		row := t.data[i*c : (i+1)*c]
		for k := 0; k < n; k++ {
			copy(out.data[(i*n+k)*c:], row)
		}
	}
	return out
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	c := t.cols
	out := t.backend.NewTensor(len(indices), c, nil).(*CPUTensor)

	for i, idx := range indices {
		if idx < 0 || idx >= t.rows {
			shapePanic("Gather", t.rows, c, idx, c)
		}
		copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
	}

	return out
}

func (t *CPUTensor) ScatterAdd(indices []int, src Tensor) {
	s := cpu(src)
	c := t.cols
	if s.cols != c || s.rows != len(indices) {
		shapePanic("ScatterAdd", len(indices), c, s.rows, s.cols)
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.rows {
			shapePanic("ScatterAdd", t.rows, c, idx, c)
		}
		simd.VecAdd(t.data[idx*c:(idx+1)*c], s.data[i*c:(i+1)*c])
	}
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (t *CPUTensor) LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor {
	result := t.Linear(input, weight, bias)

	switch activation {
	case ActivationReLU:
		result.ReLU()
	case ActivationIdentity:
		// No-op
	}

	return result
}

func cpu(t Tensor) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		panic("device: mixed backend operation not supported")
	}
	return ct
}

// parallelRows splits [0, n) into contiguous chunks processed concurrently.
func parallelRows(n int, fn func(start, end int)) {
	if n < minParallelRows || numWorkers < 2 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	rowsPerWorker := (n + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		if start >= n {
			break
		}
		end := min(start+rowsPerWorker, n)

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
