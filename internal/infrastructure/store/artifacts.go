package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"nutriwise-ml/internal/pkg/common"
)

// LatestVersion 代表目前啟用中最新的版本
const LatestVersion = "latest"

// SaveModel 保存模型權重與中繼資料，回傳新 id。
// activate 為 true 時同名模型的其他版本全部停用。
func (s *Store) SaveModel(ctx context.Context, artifact common.ModelArtifact, weights []byte, activate bool) (int64, error) {
	sum := sha256.Sum256(weights)
	artifact.ModelData = base64.StdEncoding.EncodeToString(weights)
	artifact.Checksum = hex.EncodeToString(sum[:])
	artifact.IsActive = activate
	artifact.CreatedAt = s.now().UTC()

	err := s.Update(ctx, func(doc *common.Document) error {
		var maxID int64
		for _, m := range doc.MLModels {
			if m.ID > maxID {
				maxID = m.ID
			}
		}
		artifact.ID = maxID + 1
		if activate {
			for i := range doc.MLModels {
				if doc.MLModels[i].ModelName == artifact.ModelName {
					doc.MLModels[i].IsActive = false
				}
			}
		}
		doc.MLModels = append(doc.MLModels, artifact)
		return nil
	})
	if err != nil {
		return 0, err
	}

	common.LogInfo("模型已保存",
		zap.Int64("id", artifact.ID),
		zap.String("model_name", artifact.ModelName),
		zap.String("version", artifact.ModelVersion),
		zap.Int("bytes", len(weights)),
		zap.Bool("active", activate),
	)
	return artifact.ID, nil
}

// ActivateModel 啟用指定模型並停用同名的其他版本。
// name 為空時使用該模型本身的名稱；名稱不符視為找不到。
func (s *Store) ActivateModel(ctx context.Context, id int64, name string) (*common.ModelSummary, error) {
	var summary common.ModelSummary
	err := s.Update(ctx, func(doc *common.Document) error {
		target := -1
		for i := range doc.MLModels {
			if doc.MLModels[i].ID == id {
				target = i
				break
			}
		}
		if target < 0 || (name != "" && doc.MLModels[target].ModelName != name) {
			return &common.ModelNotFoundError{Name: name, Version: "id=" + strconv.FormatInt(id, 10)}
		}
		name = doc.MLModels[target].ModelName
		for i := range doc.MLModels {
			if doc.MLModels[i].ModelName == name {
				doc.MLModels[i].IsActive = false
			}
		}
		doc.MLModels[target].IsActive = true
		summary = doc.MLModels[target].Summary()
		return nil
	})
	if err != nil {
		return nil, err
	}
	common.LogInfo("模型已啟用", zap.Int64("id", id), zap.String("model_name", name))
	return &summary, nil
}

// FindModel 依名稱與版本查詢模型。version 為 "latest" 時回傳 id 最大的啟用中模型。
func (s *Store) FindModel(ctx context.Context, name, version string) (*common.ModelArtifact, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = LatestVersion
	}

	var found *common.ModelArtifact
	for i := range doc.MLModels {
		m := &doc.MLModels[i]
		if m.ModelName != name {
			continue
		}
		if version == LatestVersion {
			if m.IsActive && (found == nil || m.ID > found.ID) {
				found = m
			}
			continue
		}
		if m.ModelVersion == version {
			found = m
			break
		}
	}
	if found == nil {
		return nil, &common.ModelNotFoundError{Name: name, Version: version}
	}
	out := *found
	return &out, nil
}

// ListModels 列出模型摘要（不含權重），id 由新到舊；name 為空時列出全部
func (s *Store) ListModels(ctx context.Context, name string) ([]common.ModelSummary, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]common.ModelArtifact, 0, len(doc.MLModels))
	for _, m := range doc.MLModels {
		if name == "" || m.ModelName == name {
			models = append(models, m)
		}
	}
	sortModelsByID(models)

	out := make([]common.ModelSummary, len(models))
	for i := range models {
		out[i] = models[i].Summary()
	}
	return out, nil
}

// ModelWeights 解碼 base64 權重並驗證 checksum
func ModelWeights(artifact *common.ModelArtifact) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(artifact.ModelData)
	if err != nil {
		return nil, fmt.Errorf("decode model %d weights: %w", artifact.ID, err)
	}
	if artifact.Checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != artifact.Checksum {
			return nil, fmt.Errorf("model %d weights checksum mismatch", artifact.ID)
		}
	}
	return data, nil
}
