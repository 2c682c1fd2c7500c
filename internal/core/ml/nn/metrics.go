package nn

import "sort"

// Scores 多類別分類的宏平均指標
type Scores struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// MacroScores 依真實與預測標籤的聯集計算宏平均 precision/recall/F1，
// 分母為 0 時該類別記為 0。
func MacroScores(yTrue, yPred []int) Scores {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return Scores{}
	}

	tp := map[int]int{}
	fp := map[int]int{}
	fn := map[int]int{}
	labels := map[int]struct{}{}
	correct := 0

	for i, t := range yTrue {
		p := yPred[i]
		labels[t] = struct{}{}
		labels[p] = struct{}{}
		if t == p {
			tp[t]++
			correct++
		} else {
			fp[p]++
			fn[t]++
		}
	}

	var precSum, recSum, f1Sum float64
	for label := range labels {
		var prec, rec, f1 float64
		if d := tp[label] + fp[label]; d > 0 {
			prec = float64(tp[label]) / float64(d)
		}
		if d := tp[label] + fn[label]; d > 0 {
			rec = float64(tp[label]) / float64(d)
		}
		if prec+rec > 0 {
			f1 = 2 * prec * rec / (prec + rec)
		}
		precSum += prec
		recSum += rec
		f1Sum += f1
	}

	n := float64(len(labels))
	return Scores{
		Accuracy:  float64(correct) / float64(len(yTrue)),
		Precision: precSum / n,
		Recall:    recSum / n,
		F1:        f1Sum / n,
	}
}

// Prediction 單一類別及其機率
type Prediction struct {
	Index       int     `json:"recipeId"`
	Probability float64 `json:"score"`
}

// TopK 機率由高到低的前 k 個類別，同機率時索引小者在前
func TopK(probs []float64, k int) []Prediction {
	out := make([]Prediction, len(probs))
	for i, p := range probs {
		out[i] = Prediction{Index: i, Probability: p}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out
}
