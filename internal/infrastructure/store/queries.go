package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"nutriwise-ml/internal/pkg/common"
)

// Recipes 回傳語料庫（文件中的順序即為位置標籤順序）及其指紋
func (s *Store) Recipes(ctx context.Context) ([]common.Recipe, string, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, "", err
	}
	fingerprint, err := CorpusFingerprint(doc.Recipes)
	if err != nil {
		return nil, "", err
	}
	return doc.Recipes, fingerprint, nil
}

// CorpusFingerprint 語料庫內容的 sha256，用來區分不同快照
func CorpusFingerprint(recipes []common.Recipe) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i := range recipes {
		if err := enc.Encode(&recipes[i]); err != nil {
			return "", fmt.Errorf("fingerprint recipe %d: %w", recipes[i].ID, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RecipeIDsDigest 依語料庫順序計算 id 的 sha256。
// 模型標籤是位置，順序或成員改變都會改變摘要。
func RecipeIDsDigest(recipes []common.Recipe) string {
	h := sha256.New()
	var buf [8]byte
	for i := range recipes {
		binary.BigEndian.PutUint64(buf[:], uint64(recipes[i].ID))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ImportRecipes 匯入食譜。replace 為 true 時取代整個語料庫，否則依 id 合併。
func (s *Store) ImportRecipes(ctx context.Context, recipes []common.Recipe, replace bool) (int, error) {
	var total int
	err := s.Update(ctx, func(doc *common.Document) error {
		if replace {
			doc.Recipes = append([]common.Recipe{}, recipes...)
			total = len(doc.Recipes)
			return nil
		}
		index := make(map[int64]int, len(doc.Recipes))
		for i, r := range doc.Recipes {
			index[r.ID] = i
		}
		for _, r := range recipes {
			if i, ok := index[r.ID]; ok {
				doc.Recipes[i] = r
				continue
			}
			index[r.ID] = len(doc.Recipes)
			doc.Recipes = append(doc.Recipes, r)
		}
		total = len(doc.Recipes)
		return nil
	})
	if err != nil {
		return 0, err
	}
	common.LogInfo("匯入食譜完成", zap.Int("imported", len(recipes)), zap.Int("total", total), zap.Bool("replace", replace))
	return total, nil
}

// FindUserProfile 依 userID 查詢，找不到時回傳 nil
func (s *Store) FindUserProfile(ctx context.Context, userID int64) (*common.UserProfile, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range doc.UserProfiles {
		if doc.UserProfiles[i].UserID == userID {
			p := doc.UserProfiles[i]
			return &p, nil
		}
	}
	return nil, nil
}

// UpsertUserProfile 建立或更新使用者檔案，回傳是否為新建立
func (s *Store) UpsertUserProfile(ctx context.Context, profile common.UserProfile) (bool, error) {
	created := false
	profile.UpdatedAt = s.now().UTC()
	if profile.Allergies == nil {
		profile.Allergies = []string{}
	}
	if profile.HealthConditions == nil {
		profile.HealthConditions = []string{}
	}

	err := s.Update(ctx, func(doc *common.Document) error {
		for i := range doc.UserProfiles {
			existing := &doc.UserProfiles[i]
			if existing.UserID != profile.UserID {
				continue
			}
			if profile.Email == "" {
				profile.Email = existing.Email
			}
			*existing = profile
			return nil
		}
		created = true
		doc.UserProfiles = append(doc.UserProfiles, profile)
		return nil
	})
	return created, err
}

// UserInteractions 回傳使用者有對應食譜的互動紀錄，最多 limit 筆（limit <= 0 表示不限）
func (s *Store) UserInteractions(ctx context.Context, userID int64, limit int) ([]common.Interaction, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Interaction, 0)
	for _, in := range doc.Interactions {
		if in.UserID != userID || in.RecipeTemplateID == nil {
			continue
		}
		out = append(out, in)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AddInteraction 新增互動紀錄並分配 id
func (s *Store) AddInteraction(ctx context.Context, in common.Interaction) (common.Interaction, error) {
	err := s.Update(ctx, func(doc *common.Document) error {
		var maxID int64
		for _, existing := range doc.Interactions {
			if existing.ID > maxID {
				maxID = existing.ID
			}
		}
		in.ID = maxID + 1
		if in.CreatedAt.IsZero() {
			in.CreatedAt = s.now().UTC()
		}
		doc.Interactions = append(doc.Interactions, in)
		return nil
	})
	return in, err
}

// Counts 各集合筆數，供健康檢查使用
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"recipes":       len(doc.Recipes),
		"user_profiles": len(doc.UserProfiles),
		"interactions":  len(doc.Interactions),
		"ml_models":     len(doc.MLModels),
	}, nil
}

func sortModelsByID(models []common.ModelArtifact) {
	sort.SliceStable(models, func(i, j int) bool { return models[i].ID > models[j].ID })
}
