package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// 固定的網路超參數
const (
	L2Penalty  = 1e-4
	BNMomentum = 0.99
	BNEpsilon  = 1e-3
)

// Architecture 網路結構
type Architecture struct {
	InputSize  int
	Hidden     []int
	OutputSize int
	Dropout    float64
}

// Validate 檢查結構是否合法
func (a Architecture) Validate() error {
	if a.InputSize <= 0 || a.OutputSize <= 0 {
		return fmt.Errorf("invalid network size %d -> %d", a.InputSize, a.OutputSize)
	}
	if len(a.Hidden) == 0 {
		return fmt.Errorf("at least one hidden layer is required")
	}
	for i, h := range a.Hidden {
		if h <= 0 {
			return fmt.Errorf("hidden layer %d has width %d", i, h)
		}
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return fmt.Errorf("invalid dropout %v", a.Dropout)
	}
	return nil
}

// param 一組可訓練參數及其梯度與 Adam 狀態
type param struct {
	w, g, m, v []float64
	decay      bool
}

func newParam(n int, decay bool) *param {
	return &param{
		w:     make([]float64, n),
		g:     make([]float64, n),
		m:     make([]float64, n),
		v:     make([]float64, n),
		decay: decay,
	}
}

// dense 全連接層，權重以 in x out 的列優先排列
type dense struct {
	in, out int
	W, B    *param
}

func newDense(in, out int) *dense {
	return &dense{in: in, out: out, W: newParam(in*out, true), B: newParam(out, false)}
}

// heNormal Dense + ReLU 使用的截斷常態初始化
func (d *dense) heNormal(rng *rand.Rand) {
	std := math.Sqrt(2.0/float64(d.in)) / 0.87962566103423978
	for i := range d.W.w {
		for {
			x := rng.NormFloat64()
			if math.Abs(x) <= 2 {
				d.W.w[i] = x * std
				break
			}
		}
	}
}

// glorotUniform 輸出層初始化
func (d *dense) glorotUniform(rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(d.in+d.out))
	for i := range d.W.w {
		d.W.w[i] = (rng.Float64()*2 - 1) * limit
	}
}

// forward out = x·W + b，x 為 rows x in
func (d *dense) forward(x []float64, rows int) []float64 {
	out := make([]float64, rows*d.out)
	for r := 0; r < rows; r++ {
		row := out[r*d.out : (r+1)*d.out]
		copy(row, d.B.w)
		xr := x[r*d.in : (r+1)*d.in]
		for k, xv := range xr {
			if xv == 0 {
				continue
			}
			wk := d.W.w[k*d.out : (k+1)*d.out]
			for j, wv := range wk {
				row[j] += xv * wv
			}
		}
	}
	return out
}

// backward 累加梯度並回傳對輸入的梯度
func (d *dense) backward(x, dy []float64, rows int, needInput bool) []float64 {
	for r := 0; r < rows; r++ {
		dyr := dy[r*d.out : (r+1)*d.out]
		xr := x[r*d.in : (r+1)*d.in]
		for j, g := range dyr {
			d.B.g[j] += g
		}
		for k, xv := range xr {
			if xv == 0 {
				continue
			}
			gk := d.W.g[k*d.out : (k+1)*d.out]
			for j, g := range dyr {
				gk[j] += xv * g
			}
		}
	}
	if !needInput {
		return nil
	}
	dx := make([]float64, rows*d.in)
	for r := 0; r < rows; r++ {
		dyr := dy[r*d.out : (r+1)*d.out]
		dxr := dx[r*d.in : (r+1)*d.in]
		for k := range dxr {
			wk := d.W.w[k*d.out : (k+1)*d.out]
			var s float64
			for j, g := range dyr {
				s += wk[j] * g
			}
			dxr[k] = s
		}
	}
	return dx
}

// batchNorm 批次正規化層
type batchNorm struct {
	n               int
	gamma, beta     *param
	runMean, runVar []float64
	xhat, invStd    []float64 // 前向傳遞時保存，供反向使用
}

func newBatchNorm(n int) *batchNorm {
	bn := &batchNorm{
		n:       n,
		gamma:   newParam(n, false),
		beta:    newParam(n, false),
		runMean: make([]float64, n),
		runVar:  make([]float64, n),
	}
	for i := 0; i < n; i++ {
		bn.gamma.w[i] = 1
		bn.runVar[i] = 1
	}
	return bn
}

func (bn *batchNorm) forward(x []float64, rows int, training bool) []float64 {
	out := make([]float64, len(x))
	n := bn.n
	if !training {
		for r := 0; r < rows; r++ {
			for j := 0; j < n; j++ {
				xhat := (x[r*n+j] - bn.runMean[j]) / math.Sqrt(bn.runVar[j]+BNEpsilon)
				out[r*n+j] = bn.gamma.w[j]*xhat + bn.beta.w[j]
			}
		}
		return out
	}

	mean := make([]float64, n)
	variance := make([]float64, n)
	for r := 0; r < rows; r++ {
		for j := 0; j < n; j++ {
			mean[j] += x[r*n+j]
		}
	}
	for j := range mean {
		mean[j] /= float64(rows)
	}
	for r := 0; r < rows; r++ {
		for j := 0; j < n; j++ {
			d := x[r*n+j] - mean[j]
			variance[j] += d * d
		}
	}
	for j := range variance {
		variance[j] /= float64(rows)
	}

	bn.invStd = make([]float64, n)
	bn.xhat = make([]float64, len(x))
	for j := 0; j < n; j++ {
		bn.invStd[j] = 1 / math.Sqrt(variance[j]+BNEpsilon)
		bn.runMean[j] = BNMomentum*bn.runMean[j] + (1-BNMomentum)*mean[j]
		bn.runVar[j] = BNMomentum*bn.runVar[j] + (1-BNMomentum)*variance[j]
	}
	for r := 0; r < rows; r++ {
		for j := 0; j < n; j++ {
			xh := (x[r*n+j] - mean[j]) * bn.invStd[j]
			bn.xhat[r*n+j] = xh
			out[r*n+j] = bn.gamma.w[j]*xh + bn.beta.w[j]
		}
	}
	return out
}

func (bn *batchNorm) backward(dy []float64, rows int) []float64 {
	n := bn.n
	sumDxhat := make([]float64, n)
	sumDxhatXhat := make([]float64, n)
	dxhat := make([]float64, len(dy))
	for r := 0; r < rows; r++ {
		for j := 0; j < n; j++ {
			i := r*n + j
			bn.gamma.g[j] += dy[i] * bn.xhat[i]
			bn.beta.g[j] += dy[i]
			dxhat[i] = dy[i] * bn.gamma.w[j]
			sumDxhat[j] += dxhat[i]
			sumDxhatXhat[j] += dxhat[i] * bn.xhat[i]
		}
	}
	b := float64(rows)
	dx := make([]float64, len(dy))
	for r := 0; r < rows; r++ {
		for j := 0; j < n; j++ {
			i := r*n + j
			dx[i] = bn.invStd[j] / b * (b*dxhat[i] - sumDxhat[j] - bn.xhat[i]*sumDxhatXhat[j])
		}
	}
	return dx
}

// hiddenBlock Dense -> ReLU -> BatchNorm (-> Dropout)
type hiddenBlock struct {
	dense   *dense
	norm    *batchNorm
	dropout float64

	// 前向傳遞快取
	input, preAct, mask []float64
}

// Network 前饋分類網路
type Network struct {
	arch   Architecture
	blocks []*hiddenBlock
	output *dense
}

// New 依結構建立並初始化網路
func New(arch Architecture, rng *rand.Rand) (*Network, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	net := newEmpty(arch)
	for _, b := range net.blocks {
		b.dense.heNormal(rng)
	}
	net.output.glorotUniform(rng)
	return net, nil
}

func newEmpty(arch Architecture) *Network {
	net := &Network{arch: arch}
	in := arch.InputSize
	for i, width := range arch.Hidden {
		b := &hiddenBlock{dense: newDense(in, width), norm: newBatchNorm(width)}
		// 第一層之後才加 dropout
		if i > 0 {
			b.dropout = arch.Dropout
		}
		net.blocks = append(net.blocks, b)
		in = width
	}
	net.output = newDense(in, arch.OutputSize)
	// 輸出層不做 L2 正則化
	net.output.W.decay = false
	return net
}

// Architecture 網路結構
func (n *Network) Architecture() Architecture {
	arch := n.arch
	arch.Hidden = append([]int(nil), n.arch.Hidden...)
	return arch
}

func (n *Network) params() []*param {
	var ps []*param
	for _, b := range n.blocks {
		ps = append(ps, b.dense.W, b.dense.B, b.norm.gamma, b.norm.beta)
	}
	return append(ps, n.output.W, n.output.B)
}

// forwardTrain 訓練模式前向傳遞，回傳 softmax 機率與最後一個隱藏層的輸出
func (n *Network) forwardTrain(x []float64, rows int, rng *rand.Rand) (probs, hidden []float64) {
	h := x
	for _, b := range n.blocks {
		b.input = h
		z := b.dense.forward(h, rows)
		b.preAct = z
		a := make([]float64, len(z))
		for i, v := range z {
			if v > 0 {
				a[i] = v
			}
		}
		h = b.norm.forward(a, rows, true)
		b.mask = nil
		if b.dropout > 0 {
			keep := 1 - b.dropout
			b.mask = make([]float64, len(h))
			for i := range h {
				if rng.Float64() < keep {
					b.mask[i] = 1 / keep
				}
				h[i] *= b.mask[i]
			}
		}
	}
	logits := n.output.forward(h, rows)
	softmaxRows(logits, rows, n.arch.OutputSize)
	return logits, h
}

// backward 由 softmax 交叉熵的梯度反向傳遞，probs 會被覆寫
func (n *Network) backward(probs []float64, labels []int, rows int, hidden []float64) {
	k := n.arch.OutputSize
	for r := 0; r < rows; r++ {
		probs[r*k+labels[r]] -= 1
	}
	scale := 1 / float64(rows)
	for i := range probs {
		probs[i] *= scale
	}

	dh := n.output.backward(hidden, probs, rows, true)
	for i := len(n.blocks) - 1; i >= 0; i-- {
		b := n.blocks[i]
		if b.mask != nil {
			for j := range dh {
				dh[j] *= b.mask[j]
			}
		}
		da := b.norm.backward(dh, rows)
		for j, z := range b.preAct {
			if z <= 0 {
				da[j] = 0
			}
		}
		dh = b.dense.backward(b.input, da, rows, i > 0)
	}
}

// l2Loss L2 正則化項
func (n *Network) l2Loss() float64 {
	var s float64
	for _, b := range n.blocks {
		for _, w := range b.dense.W.w {
			s += w * w
		}
	}
	return L2Penalty * s
}

func softmaxRows(x []float64, rows, cols int) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		max := math.Inf(-1)
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(v - max)
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// Predict 單一樣本前向傳遞（推論模式）
func (n *Network) Predict(x []float64) ([]float64, error) {
	if len(x) != n.arch.InputSize {
		return nil, fmt.Errorf("input width %d, network expects %d", len(x), n.arch.InputSize)
	}
	return n.forwardInference(x, 1), nil
}

// PredictBatch 多筆樣本前向傳遞（推論模式）
func (n *Network) PredictBatch(xs [][]float64) ([][]float64, error) {
	flat := make([]float64, 0, len(xs)*n.arch.InputSize)
	for i, x := range xs {
		if len(x) != n.arch.InputSize {
			return nil, fmt.Errorf("sample %d has width %d, network expects %d", i, len(x), n.arch.InputSize)
		}
		flat = append(flat, x...)
	}
	probs := n.forwardInference(flat, len(xs))
	out := make([][]float64, len(xs))
	k := n.arch.OutputSize
	for i := range out {
		out[i] = probs[i*k : (i+1)*k]
	}
	return out, nil
}

// forwardInference 不修改任何網路狀態，可並行呼叫
func (n *Network) forwardInference(x []float64, rows int) []float64 {
	h := x
	for _, b := range n.blocks {
		z := b.dense.forward(h, rows)
		for i, v := range z {
			if v < 0 {
				z[i] = 0
			}
		}
		h = b.norm.forward(z, rows, false)
	}
	logits := n.output.forward(h, rows)
	softmaxRows(logits, rows, n.arch.OutputSize)
	return logits
}
