package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/gcal"
	"github.com/hafizcsw/oryxa-sync/internal/middleware"
	"github.com/hafizcsw/oryxa-sync/internal/model"
	syncengine "github.com/hafizcsw/oryxa-sync/internal/sync"
	"github.com/hafizcsw/oryxa-sync/internal/tokens"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	// Run は指定オーナーのカレンダーを1回同期する。
	Run(ctx context.Context, ownerID string) (*syncengine.Result, error)
}

// SyncHandler はカレンダー同期のHTTPハンドラー。
type SyncHandler struct {
	service SyncServiceInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncServiceInterface) *SyncHandler {
	return &SyncHandler{service: service}
}

// syncResponse は同期成功時のAPIレスポンス。
type syncResponse struct {
	OK          bool   `json:"ok"`
	Added       int    `json:"added"`
	Updated     int    `json:"updated"`
	Skipped     int    `json:"skipped"`
	Conflicts   int    `json:"conflicts"`
	Incremental bool   `json:"incremental"`
	Reset       bool   `json:"reset,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	RetryAfter  string `json:"retry_after,omitempty"`
}

// Sync はカレンダー同期を実行する。
// POST /api/calendar/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeUnauthorized,
			Message:  "認証が必要です。",
			Category: "auth",
			Action:   "ログインしてください。",
		})
		return
	}

	result, err := h.service.Run(r.Context(), ownerID)
	if err != nil {
		h.handleSyncError(w, ownerID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(syncResponse{
		OK:          true,
		Added:       result.Added,
		Updated:     result.Updated,
		Skipped:     result.Skipped,
		Conflicts:   result.Conflicts,
		Incremental: result.Incremental,
		Reset:       result.Reset,
		DurationMS:  result.Duration.Milliseconds(),
	})
}

// handleSyncError は同期エラーをHTTPレスポンスにマッピングする。
//
//	クールダウン中        → 429 RATE_LIMITED（Retry-Afterヘッダー付き）
//	未接続                → 400 NOT_CONNECTED
//	リフレッシュ失敗      → 500 REFRESH_FAILED
//	プロバイダーエラー    → 500 PROVIDER_ERROR
//	その他                → 500 INTERNAL_ERROR
func (h *SyncHandler) handleSyncError(w http.ResponseWriter, ownerID string, err error) {
	var rateErr *syncengine.ErrRateLimited
	if errors.As(err, &rateErr) {
		retryAfter := rateErr.RetryAfter.UTC().Format(time.RFC3339)
		seconds := int(time.Until(rateErr.RetryAfter).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		apiErr := model.NewRateLimitedError(retryAfter)
		json.NewEncoder(w).Encode(struct {
			apiErrorResponse
			RetryAfter string `json:"retry_after"`
		}{
			apiErrorResponse: apiErrorResponse{
				Code:     apiErr.Code,
				Message:  apiErr.Message,
				Category: apiErr.Category,
				Action:   apiErr.Action,
			},
			RetryAfter: retryAfter,
		})
		return
	}

	if errors.Is(err, tokens.ErrNotConnected) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewNotConnectedError())
		return
	}

	if errors.Is(err, tokens.ErrRefreshFailed) {
		slog.Error("トークンのリフレッシュに失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewRefreshFailedError())
		return
	}

	var apiErr *gcal.APIError
	if errors.As(err, &apiErr) {
		// ステータスやボディの詳細はログのみに残す
		slog.Error("プロバイダーAPIエラーが発生しました",
			slog.String("owner_id", ownerID),
			slog.Int("provider_status", apiErr.StatusCode),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewProviderError())
		return
	}

	handleServiceError(w, err)
}
