package model

import (
	"context"
	"sync"
	"time"

	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/metrics"
	"nutriwise-ml/internal/pkg/common"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// loadTimeout 共用載入的時限，不受個別請求取消影響
const loadTimeout = 30 * time.Second

// Registry 應用程式範圍的模型快取。每種模型第一次成功載入後保留在記憶體中，
// 啟用新版本不會自動失效，需呼叫 Clear 或 ClearAll 重新載入。
type Registry struct {
	store ArtifactStore

	mu     sync.RWMutex
	models map[Kind]*Model
	group  singleflight.Group
}

// NewRegistry 建立模型快取
func NewRegistry(st ArtifactStore) *Registry {
	return &Registry{
		store:  st,
		models: make(map[Kind]*Model),
	}
}

// Get 回傳已快取的模型，沒有時載入啟用中的最新版本。
// 同時到達的請求共用一次載入；載入失敗不會被快取。
// 呼叫者取消 ctx 只會讓自己提早返回，共用的載入繼續進行。
func (r *Registry) Get(ctx context.Context, kind Kind) (*Model, error) {
	if m := r.cached(kind); m != nil {
		return m, nil
	}

	ch := r.group.DoChan(string(kind), func() (interface{}, error) {
		if m := r.cached(kind); m != nil {
			return m, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		m, err := Load(loadCtx, r.store, kind, store.LatestVersion, nil)
		metrics.RecordModelLoad(string(kind), err)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.models[kind] = m
		r.mu.Unlock()

		common.LogInfo("模型已載入",
			zap.String("kind", string(kind)),
			zap.String("version", m.Version),
			zap.Int64("artifact_id", m.ArtifactID),
		)
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Model), nil
	}
}

func (r *Registry) cached(kind Kind) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[kind]
}

// Clear 移除單一種類的快取，下次 Get 重新載入
func (r *Registry) Clear(kind Kind) {
	r.mu.Lock()
	delete(r.models, kind)
	r.mu.Unlock()
	r.group.Forget(string(kind))
}

// ClearAll 清空所有快取
func (r *Registry) ClearAll() {
	for _, k := range Kinds {
		r.Clear(k)
	}
}

// Loaded 已載入模型的版本，供狀態查詢
func (r *Registry) Loaded() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.models))
	for k, m := range r.models {
		out[string(k)] = m.Version
	}
	return out
}
