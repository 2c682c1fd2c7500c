package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"nutriwise-ml/internal/pkg/common"
)

// Store 單一 JSON 文件的資料存儲。
// 每次寫入都在同一把鎖內完成「讀取、修改、整份寫回」。
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open 開啟資料文件，不存在時建立空白文件
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &common.StoreIOError{Op: "mkdir", Path: path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		doc := &common.Document{}
		doc.EnsureCollections()
		if err := s.write(doc); err != nil {
			return nil, err
		}
		common.LogInfo("初始化空白資料文件", zap.String("path", path))
	} else if err != nil {
		return nil, &common.StoreIOError{Op: "stat", Path: path, Err: err}
	}

	return s, nil
}

// Path 資料文件路徑
func (s *Store) Path() string {
	return s.path
}

// Load 讀取整份文件
func (s *Store) Load(ctx context.Context) (*common.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Update 在鎖內讀取文件、套用 fn 並整份寫回。fn 回傳錯誤時不寫入。
func (s *Store) Update(ctx context.Context, fn func(doc *common.Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.write(doc)
}

// Ping 檢查文件是否可讀且可解析
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.Load(ctx)
	return err
}

// read Open 已確保文件存在，之後文件消失視為讀取錯誤而非空白文件
func (s *Store) read() (*common.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &common.StoreIOError{Op: "read", Path: s.path, Err: err}
	}

	doc := &common.Document{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			common.LogError("資料文件損毀", zap.String("path", s.path), zap.Error(err))
			return nil, &common.StoreIOError{Op: "decode", Path: s.path, Err: err}
		}
	}
	doc.EnsureCollections()
	return doc, nil
}

// write 先寫入暫存檔再 rename，避免留下寫一半的文件
func (s *Store) write(doc *common.Document) error {
	doc.EnsureCollections()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &common.StoreIOError{Op: "encode", Path: s.path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return &common.StoreIOError{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &common.StoreIOError{Op: "write", Path: s.path, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &common.StoreIOError{Op: "write", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &common.StoreIOError{Op: "rename", Path: s.path, Err: fmt.Errorf("%s: %w", tmpName, err)}
	}
	return nil
}
