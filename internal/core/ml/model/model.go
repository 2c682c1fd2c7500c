package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"nutriwise-ml/internal/core/ml/dataset"
	"nutriwise-ml/internal/core/ml/features"
	"nutriwise-ml/internal/core/ml/nn"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"

	"go.uber.org/zap"
)

// Kind 模型種類
type Kind string

const (
	KindClassification Kind = "classification"
	KindGeneration     Kind = "generation"
)

// ModelType 寫入 artifact 的模型類型
const ModelType = "feedforward"

// Kinds 所有模型種類
var Kinds = []Kind{KindClassification, KindGeneration}

// ModelName 儲存層使用的模型名稱
func (k Kind) ModelName() string {
	return "recipe_" + string(k)
}

// ParseKind 解析模型種類，接受 "classification" 或 "recipe_classification"
func ParseKind(s string) (Kind, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "recipe_")
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", common.NewValidationError(fmt.Sprintf("unknown model kind %q", s))
}

// TrainParams 可由請求覆寫的超參數，零值表示沿用預設。
// Dropout 為 nil 表示沿用預設，0 是合法的覆寫值。
type TrainParams struct {
	Epochs       int      `json:"epochs,omitempty"`
	BatchSize    int      `json:"batchSize,omitempty"`
	HiddenLayers []int    `json:"hiddenLayers,omitempty"`
	LearningRate float64  `json:"learningRate,omitempty"`
	Dropout      *float64 `json:"dropout,omitempty"`
	Seed         int64    `json:"seed,omitempty"`
}

// Float 回傳 v 的指標，用於設定 TrainParams.Dropout
func Float(v float64) *float64 {
	return &v
}

// DropoutRate 未設定時為 0
func (p TrainParams) DropoutRate() float64 {
	if p.Dropout == nil {
		return 0
	}
	return *p.Dropout
}

// Merge 以 override 中的非零欄位覆寫 p
func (p TrainParams) Merge(override TrainParams) TrainParams {
	if override.Epochs > 0 {
		p.Epochs = override.Epochs
	}
	if override.BatchSize > 0 {
		p.BatchSize = override.BatchSize
	}
	if len(override.HiddenLayers) > 0 {
		p.HiddenLayers = append([]int(nil), override.HiddenLayers...)
	}
	if override.LearningRate > 0 {
		p.LearningRate = override.LearningRate
	}
	if override.Dropout != nil {
		p.Dropout = Float(*override.Dropout)
	}
	if override.Seed != 0 {
		p.Seed = override.Seed
	}
	return p
}

// Validate 檢查超參數
func (p TrainParams) Validate() error {
	if p.Epochs <= 0 {
		return common.NewValidationError("epochs must be positive")
	}
	if p.BatchSize <= 0 {
		return common.NewValidationError("batchSize must be positive")
	}
	if len(p.HiddenLayers) == 0 {
		return common.NewValidationError("hiddenLayers requires at least one layer")
	}
	for _, h := range p.HiddenLayers {
		if h <= 0 || h > 4096 {
			return common.NewValidationError(fmt.Sprintf("invalid hidden layer width %d", h))
		}
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		return common.NewValidationError("learningRate must be in (0, 1]")
	}
	if d := p.DropoutRate(); d < 0 || d >= 1 {
		return common.NewValidationError("dropout must be in [0, 1)")
	}
	return nil
}

// Profile 單一模型種類的資料合成設定與預設超參數
type Profile struct {
	Kind     Kind
	Synth    dataset.Config
	Defaults TrainParams

	// Patience 為 0 時使用 max(15, epochs/4)
	Patience int
}

// ProfileFromConfig 由設定建立 Profile
func ProfileFromConfig(kind Kind, c config.ModelKindConf, seed int64) Profile {
	return Profile{
		Kind: kind,
		Synth: dataset.Config{
			TargetTotal:             c.TargetTotal,
			MinPerRecipe:            c.MinPerRecipe,
			MinCorpus:               c.MinCorpus,
			RatioMin:                c.RatioMin,
			RatioMax:                c.RatioMax,
			NoiseProbability:        c.NoiseProbability,
			CuisineMatchProbability: c.CuisineMatchProbability,
		},
		Defaults: TrainParams{
			Epochs:       c.Epochs,
			BatchSize:    c.BatchSize,
			HiddenLayers: append([]int(nil), c.HiddenLayers...),
			LearningRate: c.LearningRate,
			Dropout:      Float(c.Dropout),
			Seed:         seed,
		},
		Patience: c.Patience,
	}
}

func (p Profile) patience(epochs int) int {
	if p.Patience > 0 {
		return p.Patience
	}
	if epochs/4 > 15 {
		return epochs / 4
	}
	return 15
}

// Metrics 測試集上的評估結果
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1Score"`
	Loss      float64 `json:"loss"`

	// 僅生成模型：預測食譜與正確食譜的平均價格誤差
	PriceMAE *float64 `json:"priceMAE,omitempty"`

	EpochsRun    int  `json:"epochsRun"`
	BestEpoch    int  `json:"bestEpoch"`
	StoppedEarly bool `json:"stoppedEarly"`
	Interrupted  bool `json:"interrupted,omitempty"`

	TrainSamples      int `json:"trainSamples"`
	ValidationSamples int `json:"validationSamples"`
	TestSamples       int `json:"testSamples"`
}

// Values 寫入模型中繼資料的數值指標
func (m Metrics) Values() map[string]float64 {
	out := map[string]float64{
		"accuracy":  m.Accuracy,
		"precision": m.Precision,
		"recall":    m.Recall,
		"f1_score":  m.F1Score,
		"loss":      m.Loss,
	}
	if m.PriceMAE != nil {
		out["price_mae"] = *m.PriceMAE
	}
	return out
}

// Model 已訓練或已載入的模型
type Model struct {
	Kind       Kind
	Version    string
	ArtifactID int64

	net  *nn.Network
	meta common.ModelMetadata
}

// Metadata 模型中繼資料
func (m *Model) Metadata() common.ModelMetadata {
	return m.meta
}

// CheckCompatible 確認目前語料庫與訓練時一致：向量寬度、類別數，
// 以及依序排列的食譜 id（標籤是語料庫位置）
func (m *Model) CheckCompatible(enc *features.Encoder, recipes []common.Recipe) error {
	if w := enc.RequestWidth(); w != m.meta.InputSize {
		return &common.IncompatibleModelError{Field: "input_size", Want: m.meta.InputSize, Got: w}
	}
	if len(recipes) != m.meta.OutputSize {
		return &common.IncompatibleModelError{Field: "output_size", Want: m.meta.OutputSize, Got: len(recipes)}
	}
	if d := store.RecipeIDsDigest(recipes); d != m.meta.RecipeIDsDigest {
		return &common.IncompatibleModelError{Field: "recipe_ids_digest", WantDigest: m.meta.RecipeIDsDigest, GotDigest: d}
	}
	return nil
}

// Predict 單次前向傳播，回傳機率最高的 topK 個語料庫位置
func (m *Model) Predict(x []float64, topK int) ([]nn.Prediction, error) {
	probs, err := m.net.Predict(x)
	if err != nil {
		return nil, err
	}
	return nn.TopK(probs, topK), nil
}

// TrainOptions 訓練任務層級的限制
type TrainOptions struct {
	// MaxEpochs 上限，0 表示不限制
	MaxEpochs int
	OnEpoch   func(nn.EpochStats)
}

// Train 合成資料、訓練並在測試集上評估。語料庫不足時在任何計算前回傳 DatasetTooSmallError。
// ctx 在訓練中被取消且已完成至少一個 epoch 時，回傳以最佳權重評估的模型
// （Metrics.Interrupted 為 true）以及非 nil 的錯誤，由呼叫端決定是否保存。
func Train(ctx context.Context, profile Profile, recipes []common.Recipe, override TrainParams, opts TrainOptions) (*Model, *Metrics, error) {
	if err := dataset.CheckCorpus(len(recipes), profile.Synth); err != nil {
		return nil, nil, err
	}
	params := profile.Defaults.Merge(override)
	if opts.MaxEpochs > 0 && params.Epochs > opts.MaxEpochs {
		params.Epochs = opts.MaxEpochs
	}
	if err := params.Validate(); err != nil {
		return nil, nil, err
	}

	rng := rand.New(rand.NewSource(params.Seed))
	enc := features.NewEncoder(recipes)

	ds, err := dataset.Synthesize(recipes, enc, profile.Synth, rng)
	if err != nil {
		return nil, nil, err
	}
	train, val, test := ds.Split()

	common.LogInfo("開始訓練模型",
		zap.String("kind", string(profile.Kind)),
		zap.Int("recipes", len(recipes)),
		zap.Int("train", train.Len()),
		zap.Int("validation", val.Len()),
		zap.Int("test", test.Len()),
		zap.Ints("hidden_layers", params.HiddenLayers),
		zap.Int("epochs", params.Epochs),
	)

	arch := nn.Architecture{
		InputSize:  enc.RequestWidth(),
		Hidden:     params.HiddenLayers,
		OutputSize: len(recipes),
		Dropout:    params.DropoutRate(),
	}
	net, err := nn.New(arch, rng)
	if err != nil {
		return nil, nil, err
	}

	hist, err := net.Fit(ctx, train.Features, train.Labels, val.Features, val.Labels, nn.TrainConfig{
		Epochs:       params.Epochs,
		BatchSize:    params.BatchSize,
		LearningRate: params.LearningRate,
		Patience:     profile.patience(params.Epochs),
		OnEpoch:      opts.OnEpoch,
	}, rng)
	if err != nil {
		err = fmt.Errorf("fit %s model: %w", profile.Kind, err)
		if hist == nil || !hist.Interrupted || hist.BestEpoch <= 0 {
			return nil, nil, err
		}
	}
	fitErr := err

	metrics, err := evaluate(net, profile.Kind, recipes, test)
	if err != nil {
		return nil, nil, err
	}
	metrics.EpochsRun = len(hist.Epochs)
	metrics.BestEpoch = hist.BestEpoch
	metrics.StoppedEarly = hist.StoppedEarly
	metrics.Interrupted = hist.Interrupted
	metrics.TrainSamples = train.Len()
	metrics.ValidationSamples = val.Len()
	metrics.TestSamples = test.Len()

	fingerprint, err := store.CorpusFingerprint(recipes)
	if err != nil {
		return nil, nil, err
	}

	vocab := enc.Vocabulary()
	m := &Model{
		Kind: profile.Kind,
		net:  net,
		meta: common.ModelMetadata{
			Kind:               string(profile.Kind),
			InputSize:          arch.InputSize,
			OutputSize:         arch.OutputSize,
			HiddenLayers:       append([]int(nil), arch.Hidden...),
			Dropout:            arch.Dropout,
			IngredientVocab:    len(vocab.Ingredients),
			CuisineVocab:       len(vocab.Cuisines),
			TrainingCorpusSize: len(recipes),
			CorpusFingerprint:  fingerprint,
			RecipeIDsDigest:    store.RecipeIDsDigest(recipes),
			Metrics:            metrics.Values(),
		},
	}
	return m, metrics, fitErr
}

func evaluate(net *nn.Network, kind Kind, recipes []common.Recipe, test *dataset.Dataset) (*Metrics, error) {
	if test.Len() == 0 {
		return &Metrics{}, nil
	}
	loss, _, err := net.Evaluate(test.Features, test.Labels)
	if err != nil {
		return nil, err
	}
	preds, err := net.PredictClasses(test.Features)
	if err != nil {
		return nil, err
	}
	scores := nn.MacroScores(test.Labels, preds)
	m := &Metrics{
		Accuracy:  scores.Accuracy,
		Precision: scores.Precision,
		Recall:    scores.Recall,
		F1Score:   scores.F1,
		Loss:      loss,
	}

	if kind == KindGeneration {
		var sum float64
		for i, y := range test.Labels {
			sum += math.Abs(recipes[y].EstimatedPrice - recipes[preds[i]].EstimatedPrice)
		}
		mae := sum / float64(test.Len())
		m.PriceMAE = &mae
	}
	return m, nil
}

// ArtifactStore 模型保存與查詢
type ArtifactStore interface {
	SaveModel(ctx context.Context, artifact common.ModelArtifact, weights []byte, activate bool) (int64, error)
	FindModel(ctx context.Context, name, version string) (*common.ModelArtifact, error)
}

// DefaultVersion 以時間產生的版本字串
func DefaultVersion(kind Kind, now time.Time) string {
	return fmt.Sprintf("%s_v%d", kind, now.Unix())
}

// Save 序列化權重並寫入儲存層，version 為空時使用 DefaultVersion
func (m *Model) Save(ctx context.Context, st ArtifactStore, version string, activate bool) (int64, error) {
	if version == "" {
		version = DefaultVersion(m.Kind, time.Now())
	}
	weights, err := m.net.MarshalBinary()
	if err != nil {
		return 0, err
	}
	id, err := st.SaveModel(ctx, common.ModelArtifact{
		ModelName:        m.Kind.ModelName(),
		ModelType:        ModelType,
		ModelVersion:     version,
		Metadata:         m.meta,
		TrainingDataSize: m.meta.TrainingCorpusSize,
	}, weights, activate)
	if err != nil {
		return 0, fmt.Errorf("save %s model: %w", m.Kind, err)
	}
	m.Version = version
	m.ArtifactID = id

	common.LogInfo("模型已保存",
		zap.String("model", m.Kind.ModelName()),
		zap.String("version", version),
		zap.Int64("id", id),
		zap.Bool("active", activate),
		zap.Int("weights_bytes", len(weights)),
	)
	return id, nil
}

// Load 讀取指定版本（或 "latest" 啟用中的最新版本）並重建網路。
// recipes 不為 nil 時同時檢查與目前語料庫的相容性。
func Load(ctx context.Context, st ArtifactStore, kind Kind, version string, recipes []common.Recipe) (*Model, error) {
	artifact, err := st.FindModel(ctx, kind.ModelName(), version)
	if err != nil {
		return nil, err
	}
	weights, err := store.ModelWeights(artifact)
	if err != nil {
		return nil, err
	}
	net, err := nn.UnmarshalBinary(weights)
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", artifact.ModelName, artifact.ModelVersion, err)
	}

	arch := net.Architecture()
	meta := artifact.Metadata
	if arch.InputSize != meta.InputSize {
		return nil, &common.IncompatibleModelError{Field: "input_size", Want: meta.InputSize, Got: arch.InputSize}
	}
	if arch.OutputSize != meta.OutputSize {
		return nil, &common.IncompatibleModelError{Field: "output_size", Want: meta.OutputSize, Got: arch.OutputSize}
	}

	m := &Model{
		Kind:       kind,
		Version:    artifact.ModelVersion,
		ArtifactID: artifact.ID,
		net:        net,
		meta:       meta,
	}
	if recipes != nil {
		if err := m.CheckCompatible(features.NewEncoder(recipes), recipes); err != nil {
			return nil, err
		}
	}
	return m, nil
}
