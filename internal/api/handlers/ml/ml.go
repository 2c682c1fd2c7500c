package ml

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"nutriwise-ml/internal/core/ml/model"
	recipeService "nutriwise-ml/internal/core/recipe"
	"nutriwise-ml/internal/pkg/common"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SourceHeader 回應標頭：推薦結果的來源（model / fallback / default）
const SourceHeader = "X-Recipe-Source"

// UserRequest 只帶 userId 的請求
type UserRequest struct {
	UserID int64 `json:"userId"`
}

// ActivateRequest 啟用模型時可指定名稱做檢查
type ActivateRequest struct {
	Name string `json:"name"`
}

// ReloadRequest 重新載入模型，kind 為空時全部重新載入
type ReloadRequest struct {
	Kind string `json:"kind"`
}

// Handler ML API 處理器
type Handler struct {
	meals    *recipeService.MealService
	profiles *recipeService.ProfileService
	training *recipeService.TrainingService
	debug    bool
}

// NewHandler 創建處理器，debug 為 true 時錯誤回應附帶 details
func NewHandler(meals *recipeService.MealService, profiles *recipeService.ProfileService, training *recipeService.TrainingService, debug bool) *Handler {
	return &Handler{
		meals:    meals,
		profiles: profiles,
		training: training,
		debug:    debug,
	}
}

// SyncUser POST /api/ml/sync-user
func (h *Handler) SyncUser(c *gin.Context) {
	var req recipeService.SyncUserRequest
	if !h.bind(c, &req, false) {
		return
	}

	created, err := h.profiles.SyncUser(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "User synchronized successfully",
		"userId":  req.UserID,
		"created": created,
	})
}

// PredictProfile POST /api/ml/predict-profile
func (h *Handler) PredictProfile(c *gin.Context) {
	var req UserRequest
	if !h.bind(c, &req, false) {
		return
	}

	prediction, err := h.profiles.PredictProfile(c.Request.Context(), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"predictedPreferences": prediction.PredictedPreferences,
		"recommendedRecipes":   prediction.RecommendedRecipes,
	})
}

// SuggestRecipes POST /api/ml/suggest-recipes
func (h *Handler) SuggestRecipes(c *gin.Context) {
	var req UserRequest
	if !h.bind(c, &req, false) {
		return
	}

	suggestions, err := h.profiles.SuggestRecipes(c.Request.Context(), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if suggestions == nil {
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"suggestions": []recipeService.Suggestion{},
			"message":     "No profile found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"suggestions": suggestions,
	})
}

// RecordInteraction POST /api/ml/interactions
func (h *Handler) RecordInteraction(c *gin.Context) {
	var req recipeService.InteractionRequest
	if !h.bind(c, &req, false) {
		return
	}

	interaction, err := h.profiles.RecordInteraction(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"interaction": interaction,
	})
}

// GenerateMeal POST /api/ml/generate-meal，回應本體即為食譜物件
func (h *Handler) GenerateMeal(c *gin.Context) {
	requestID := requestid.Get(c)

	var req recipeService.MealRequest
	if !h.bind(c, &req, true) {
		return
	}

	recipe, source, err := h.meals.GenerateMeal(c.Request.Context(), req, requestID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	common.LogInfo("食譜推薦完成",
		zap.String("recipe", recipe.Name),
		zap.String("source", source),
		zap.String("request_id", requestID),
	)
	c.Header(SourceHeader, source)
	c.JSON(http.StatusOK, recipe)
}

// TrainClassification POST /api/ml/train-classification
func (h *Handler) TrainClassification(c *gin.Context) {
	h.train(c, model.KindClassification)
}

// TrainGeneration POST /api/ml/train-generation
func (h *Handler) TrainGeneration(c *gin.Context) {
	h.train(c, model.KindGeneration)
}

func (h *Handler) train(c *gin.Context, kind model.Kind) {
	var req recipeService.TrainRequest
	if !h.bind(c, &req, true) {
		return
	}

	job, err := h.training.Submit(c.Request.Context(), kind, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"jobId":   job.ID,
		"kind":    job.Kind,
		"status":  job.Status,
	})
}

// ListJobs GET /api/ml/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	list, err := h.training.Jobs(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"jobs":    list,
		"queue":   h.training.QueueStatus(),
	})
}

// GetJob GET /api/ml/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.training.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job":     job,
	})
}

// ListModels GET /api/ml/models?name=
func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.training.ListModels(c.Request.Context(), c.Query("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"models":  models,
		"loaded":  h.training.LoadedModels(),
	})
}

// ActivateModel POST /api/ml/models/:id/activate
func (h *Handler) ActivateModel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(c, common.NewValidationError("invalid model id"))
		return
	}

	var req ActivateRequest
	if !h.bind(c, &req, true) {
		return
	}

	summary, err := h.training.ActivateModel(c.Request.Context(), id, req.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"model":   summary,
		"message": "Model activated, reload to serve it",
	})
}

// ReloadModels POST /api/ml/models/reload
func (h *Handler) ReloadModels(c *gin.Context) {
	var req ReloadRequest
	if !h.bind(c, &req, true) {
		return
	}
	if req.Kind == "" {
		req.Kind = c.Query("kind")
	}

	cleared, err := h.training.Reload(req.Kind)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"reloaded": cleared,
	})
}

// bind 解析 JSON 請求體。optional 為 true 時允許空請求體。
func (h *Handler) bind(c *gin.Context, v interface{}, optional bool) bool {
	err := common.DecodeJSON(c.Request.Body, v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}

	common.LogWarn("請求格式無效",
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", requestid.Get(c)),
	)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "Request body too large",
			"code":  "REQUEST_TOO_LARGE",
		})
		return false
	}
	h.writeError(c, common.NewValidationError("invalid request body"))
	return false
}

// writeError 將錯誤轉為 {error, code}，debug 模式附帶 details
func (h *Handler) writeError(c *gin.Context, err error) {
	ce := common.ToCustomError(err)

	fields := []zap.Field{
		zap.String("code", ce.Code),
		zap.Int("status", ce.Status),
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", requestid.Get(c)),
	}
	if ce.Status >= http.StatusInternalServerError {
		common.LogError("請求處理失敗", fields...)
	} else {
		common.LogDebug("請求被拒絕", fields...)
	}

	body := common.ErrorResponse{
		Error: ce.Message,
		Code:  ce.Code,
	}
	if h.debug && ce.Err != nil {
		body.Details = ce.Err.Error()
	}
	c.AbortWithStatusJSON(ce.Status, body)
}
