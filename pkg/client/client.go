// Package client 是 nutriwise-ml API 的 Go 客戶端
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"nutriwise-ml/internal/core/ml/jobs"
	"nutriwise-ml/internal/core/ml/model"
	"nutriwise-ml/internal/core/recipe"
	"nutriwise-ml/internal/pkg/common"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const defaultTimeout = 30 * time.Second

// APIError 非 2xx 回應
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client API 客戶端
type Client struct {
	http *resty.Client
}

// New 創建客戶端，timeout 為 0 時使用 30 秒
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	return &Client{http: c}
}

// Accepted 訓練請求被接受後的回應
type Accepted struct {
	JobID  string      `json:"jobId"`
	Kind   string      `json:"kind"`
	Status jobs.Status `json:"status"`
}

// GenerateMeal 取得一道推薦食譜，回傳來源（model / fallback / default）
func (c *Client) GenerateMeal(ctx context.Context, req recipe.MealRequest) (*common.GeneratedRecipe, string, error) {
	var out common.GeneratedRecipe
	resp, err := c.do(ctx, http.MethodPost, "/api/ml/generate-meal", req, &out)
	if err != nil {
		return nil, "", err
	}
	return &out, resp.Header().Get("X-Recipe-Source"), nil
}

// Train 建立訓練任務
func (c *Client) Train(ctx context.Context, kind model.Kind, req recipe.TrainRequest) (*Accepted, error) {
	var out Accepted
	if _, err := c.do(ctx, http.MethodPost, "/api/ml/train-"+string(kind), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job 查詢訓練任務
func (c *Client) Job(ctx context.Context, id string) (*jobs.Job, error) {
	var out struct {
		Job *jobs.Job `json:"job"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/ml/jobs/"+id, nil, &out); err != nil {
		return nil, err
	}
	if out.Job == nil {
		return nil, fmt.Errorf("job %s: empty response", id)
	}
	return out.Job, nil
}

// WaitJob 輪詢任務直到結束或 ctx 取消，onPoll 可為 nil
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration, onPoll func(*jobs.Job)) (*jobs.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if onPoll != nil {
			onPoll(job)
		}
		if job.Status.Done() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Models 列出模型版本，name 可為空
func (c *Client) Models(ctx context.Context, name string) ([]common.ModelSummary, error) {
	var out struct {
		Models []common.ModelSummary `json:"models"`
	}
	var query map[string]string
	if name != "" {
		query = map[string]string{"name": name}
	}
	if _, err := c.doQuery(ctx, http.MethodGet, "/api/ml/models", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Activate 啟用指定模型版本
func (c *Client) Activate(ctx context.Context, id int64, name string) (*common.ModelSummary, error) {
	var out struct {
		Model *common.ModelSummary `json:"model"`
	}
	path := "/api/ml/models/" + strconv.FormatInt(id, 10) + "/activate"
	if _, err := c.do(ctx, http.MethodPost, path, map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return out.Model, nil
}

// Reload 讓服務重新載入模型，kind 為空時全部
func (c *Client) Reload(ctx context.Context, kind string) ([]string, error) {
	var out struct {
		Reloaded []string `json:"reloaded"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/ml/models/reload", map[string]string{"kind": kind}, &out); err != nil {
		return nil, err
	}
	return out.Reloaded, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (*resty.Response, error) {
	return c.doQuery(ctx, method, path, nil, body, out)
}

// doQuery 查詢參數交由 resty 編碼
func (c *Client) doQuery(ctx context.Context, method, path string, query map[string]string, body, out interface{}) (*resty.Response, error) {
	var apiErr common.ErrorResponse
	req := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.String()
		}
		return resp, &APIError{Status: resp.StatusCode(), Code: apiErr.Code, Message: msg}
	}
	return resp, nil
}
