package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hafizcsw/oryxa-sync/internal/ics"
	"github.com/hafizcsw/oryxa-sync/internal/middleware"
	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// ICSImporterInterface はICSインポートハンドラーが必要とするサービスインターフェース。
type ICSImporterInterface interface {
	Import(ctx context.Context, ownerID, rawURL string) (*ics.ImportResult, error)
}

// ICSHandler はICSフィード取り込みのHTTPハンドラー。
type ICSHandler struct {
	importer ICSImporterInterface
}

// NewICSHandler はICSHandlerを生成する。
func NewICSHandler(importer ICSImporterInterface) *ICSHandler {
	return &ICSHandler{importer: importer}
}

// icsImportRequest はICSインポートリクエストのボディ。
type icsImportRequest struct {
	URL string `json:"url"`
}

// icsImportResponse はICSインポートのAPIレスポンス。
type icsImportResponse struct {
	OK        bool `json:"ok"`
	Total     int  `json:"total"`
	Added     int  `json:"added"`
	Updated   int  `json:"updated"`
	Skipped   int  `json:"skipped"`
	Conflicts int  `json:"conflicts"`
}

// Import はICSフィードの一回限りの取り込みを処理する。
// POST /api/ics/import
func (h *ICSHandler) Import(w http.ResponseWriter, r *http.Request) {
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

	var req icsImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "URLが空です。",
			Category: "validation",
			Action:   "ICSフィードのURLを指定してください。",
		})
		return
	}

	result, err := h.importer.Import(r.Context(), ownerID, req.URL)
	if err != nil {
		switch {
		case errors.Is(err, ics.ErrBlockedURL):
			writeAPIErrorResponse(w, http.StatusForbidden, model.NewSSRFBlockedError())
		case errors.Is(err, ics.ErrParse):
			writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewICSParseFailedError())
		case errors.Is(err, ics.ErrFetchFailed):
			writeAPIErrorResponse(w, http.StatusBadGateway, model.NewFetchFailedError())
		default:
			handleServiceError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(icsImportResponse{
		OK:        true,
		Total:     result.Total,
		Added:     result.Added,
		Updated:   result.Updated,
		Skipped:   result.Skipped,
		Conflicts: result.Conflicts,
	})
}
