package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// Adam 參數
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7

	// 避免 log(0)
	probFloor = 1e-7

	evalBatch = 256
)

// TrainConfig 訓練參數
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64

	// Patience 驗證損失連續未改善多少個 epoch 後停止
	Patience int

	// 學習率在停滯時衰減
	LRPatience int
	LRFactor   float64
	MinLR      float64

	// OnEpoch 每個 epoch 結束時呼叫，可為 nil
	OnEpoch func(EpochStats)
}

func (c *TrainConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 1e-3
	}
	if c.Patience <= 0 {
		c.Patience = 15
	}
	if c.LRPatience <= 0 {
		c.LRPatience = 5
	}
	if c.LRFactor <= 0 || c.LRFactor >= 1 {
		c.LRFactor = 0.5
	}
	if c.MinLR <= 0 {
		c.MinLR = 1e-7
	}
}

// EpochStats 單一 epoch 的訓練結果
type EpochStats struct {
	Epoch        int     `json:"epoch"`
	Loss         float64 `json:"loss"`
	Accuracy     float64 `json:"accuracy"`
	ValLoss      float64 `json:"valLoss"`
	ValAccuracy  float64 `json:"valAccuracy"`
	LearningRate float64 `json:"learningRate"`
}

// History 訓練過程紀錄
type History struct {
	Epochs       []EpochStats `json:"epochs"`
	BestEpoch    int          `json:"bestEpoch"`
	BestValLoss  float64      `json:"bestValLoss"`
	StoppedEarly bool         `json:"stoppedEarly"`

	// Interrupted 為 true 時網路已還原為 BestEpoch 的權重（BestEpoch > 0 時）
	Interrupted bool `json:"interrupted,omitempty"`
}

// snapshot 權重與 BN 滑動統計的複本
type snapshot struct {
	params  [][]float64
	runMean [][]float64
	runVar  [][]float64
}

func (n *Network) snapshot() *snapshot {
	s := &snapshot{}
	for _, p := range n.params() {
		s.params = append(s.params, append([]float64(nil), p.w...))
	}
	for _, b := range n.blocks {
		s.runMean = append(s.runMean, append([]float64(nil), b.norm.runMean...))
		s.runVar = append(s.runVar, append([]float64(nil), b.norm.runVar...))
	}
	return s
}

func (n *Network) restore(s *snapshot) {
	for i, p := range n.params() {
		copy(p.w, s.params[i])
	}
	for i, b := range n.blocks {
		copy(b.norm.runMean, s.runMean[i])
		copy(b.norm.runVar, s.runVar[i])
	}
}

// adam Adam 最佳化器
type adam struct {
	lr float64
	t  int
}

func (a *adam) step(params []*param) {
	a.t++
	lrT := a.lr * math.Sqrt(1-math.Pow(adamBeta2, float64(a.t))) / (1 - math.Pow(adamBeta1, float64(a.t)))
	for _, p := range params {
		for i, g := range p.g {
			if p.decay {
				g += 2 * L2Penalty * p.w[i]
			}
			p.m[i] = adamBeta1*p.m[i] + (1-adamBeta1)*g
			p.v[i] = adamBeta2*p.v[i] + (1-adamBeta2)*g*g
			p.w[i] -= lrT * p.m[i] / (math.Sqrt(p.v[i]) + adamEpsilon)
			p.g[i] = 0
		}
	}
}

// Fit 以小批次訓練網路。驗證損失停止改善時提早結束並還原最佳權重；
// ctx 在每個批次之間檢查，取消時同樣還原最佳權重，回傳目前為止的紀錄與錯誤。
func (n *Network) Fit(ctx context.Context, trainX [][]float64, trainY []int, valX [][]float64, valY []int, cfg TrainConfig, rng *rand.Rand) (*History, error) {
	cfg.applyDefaults()
	if len(trainX) == 0 || len(trainX) != len(trainY) {
		return nil, fmt.Errorf("invalid training set: %d samples, %d labels", len(trainX), len(trainY))
	}
	if len(valX) != len(valY) {
		return nil, fmt.Errorf("invalid validation set: %d samples, %d labels", len(valX), len(valY))
	}
	for i, x := range trainX {
		if len(x) != n.arch.InputSize {
			return nil, fmt.Errorf("training sample %d has width %d, network expects %d", i, len(x), n.arch.InputSize)
		}
	}

	opt := &adam{lr: cfg.LearningRate}
	params := n.params()
	hist := &History{BestValLoss: math.Inf(1), BestEpoch: -1}

	var best *snapshot
	wait := 0
	lrBest := math.Inf(1)
	lrWait := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		perm := rng.Perm(len(trainX))
		var lossSum float64
		correct := 0

		for start := 0; start < len(perm); start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				n.restoreBest(best)
				hist.Interrupted = true
				return hist, fmt.Errorf("training interrupted at epoch %d: %w", epoch+1, err)
			}
			end := start + cfg.BatchSize
			if end > len(perm) {
				end = len(perm)
			}
			rows := end - start
			x := make([]float64, 0, rows*n.arch.InputSize)
			labels := make([]int, rows)
			for r, idx := range perm[start:end] {
				x = append(x, trainX[idx]...)
				labels[r] = trainY[idx]
			}

			probs, hidden := n.forwardTrain(x, rows, rng)
			l, c := crossEntropy(probs, labels, n.arch.OutputSize)
			lossSum += l * float64(rows)
			correct += c

			n.backward(probs, labels, rows, hidden)
			opt.step(params)
		}

		stats := EpochStats{
			Epoch:        epoch + 1,
			Loss:         lossSum/float64(len(trainX)) + n.l2Loss(),
			Accuracy:     float64(correct) / float64(len(trainX)),
			LearningRate: opt.lr,
		}
		monitor := stats.Loss
		if len(valX) > 0 {
			valLoss, valAcc, err := n.Evaluate(valX, valY)
			if err != nil {
				return hist, err
			}
			stats.ValLoss, stats.ValAccuracy = valLoss, valAcc
			monitor = valLoss
		}
		hist.Epochs = append(hist.Epochs, stats)
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(stats)
		}

		// 提早停止
		if monitor < hist.BestValLoss {
			hist.BestValLoss = monitor
			hist.BestEpoch = epoch + 1
			best = n.snapshot()
			wait = 0
		} else {
			wait++
		}

		// 停滯時衰減學習率
		if monitor < lrBest {
			lrBest = monitor
			lrWait = 0
		} else {
			lrWait++
			if lrWait >= cfg.LRPatience {
				if opt.lr > cfg.MinLR {
					opt.lr = math.Max(opt.lr*cfg.LRFactor, cfg.MinLR)
				}
				lrWait = 0
			}
		}

		if wait >= cfg.Patience {
			hist.StoppedEarly = true
			break
		}
	}

	n.restoreBest(best)
	return hist, nil
}

func (n *Network) restoreBest(best *snapshot) {
	if best != nil {
		n.restore(best)
	}
}

// Evaluate 推論模式下的平均交叉熵（含 L2 項）與準確率
func (n *Network) Evaluate(xs [][]float64, ys []int) (loss, accuracy float64, err error) {
	if len(xs) == 0 {
		return 0, 0, nil
	}
	if len(xs) != len(ys) {
		return 0, 0, fmt.Errorf("evaluate: %d samples, %d labels", len(xs), len(ys))
	}
	var lossSum float64
	correct := 0
	for start := 0; start < len(xs); start += evalBatch {
		end := start + evalBatch
		if end > len(xs) {
			end = len(xs)
		}
		probs, err := n.PredictBatch(xs[start:end])
		if err != nil {
			return 0, 0, err
		}
		for i, p := range probs {
			y := ys[start+i]
			lossSum += -math.Log(math.Max(p[y], probFloor))
			if argmax(p) == y {
				correct++
			}
		}
	}
	return lossSum/float64(len(xs)) + n.l2Loss(), float64(correct) / float64(len(xs)), nil
}

// PredictClasses 每筆樣本機率最高的類別
func (n *Network) PredictClasses(xs [][]float64) ([]int, error) {
	out := make([]int, 0, len(xs))
	for start := 0; start < len(xs); start += evalBatch {
		end := start + evalBatch
		if end > len(xs) {
			end = len(xs)
		}
		probs, err := n.PredictBatch(xs[start:end])
		if err != nil {
			return nil, err
		}
		for _, p := range probs {
			out = append(out, argmax(p))
		}
	}
	return out, nil
}

func crossEntropy(probs []float64, labels []int, k int) (loss float64, correct int) {
	for r, y := range labels {
		row := probs[r*k : (r+1)*k]
		loss += -math.Log(math.Max(row[y], probFloor))
		if argmax(row) == y {
			correct++
		}
	}
	return loss / float64(len(labels)), correct
}

func argmax(xs []float64) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}
