package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/middleware"
	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// EventListerInterface はイベント一覧ハンドラーが必要とするインターフェース。
type EventListerInterface interface {
	ListByOwnerBetween(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error)
}

// EventsHandler はローカルイベントの参照用HTTPハンドラー。
type EventsHandler struct {
	lister EventListerInterface
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(lister EventListerInterface) *EventsHandler {
	return &EventsHandler{lister: lister}
}

// eventResponse はイベント1件のAPIレスポンス。
type eventResponse struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	ExternalID  string `json:"external_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	StartsAt    string `json:"starts_at"`
	EndsAt      string `json:"ends_at"`
	AllDay      bool   `json:"all_day"`
	Status      string `json:"status"`
	LastOrigin  string `json:"last_origin"`
	UpdatedAt   string `json:"updated_at"`
}

// eventListResponse はイベント一覧のAPIレスポンス。
type eventListResponse struct {
	OK     bool            `json:"ok"`
	Events []eventResponse `json:"events"`
}

// ListEvents は期間指定でローカルイベントを一覧する。
// GET /api/events?from=RFC3339&to=RFC3339
// fromを省略すると現在時刻の30日前、toを省略するとfromの90日後になる。
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
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

	from, to, err := parseEventRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "期間の指定が不正です。",
			Category: "validation",
			Action:   "fromとtoはRFC3339形式で、from < toになるよう指定してください。",
		})
		return
	}

	events, err := h.lister.ListByOwnerBetween(r.Context(), ownerID, from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := eventListResponse{OK: true, Events: make([]eventResponse, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, toEventResponse(ev))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// parseEventRange はクエリパラメータから期間を解決する。
func parseEventRange(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now()

	from := now.AddDate(0, 0, -30)
	if fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}

	to := from.AddDate(0, 0, 90)
	if toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errInvalidRange
	}

	return from, to, nil
}

var errInvalidRange = &model.APIError{
	Code:     model.ErrCodeInvalidRequest,
	Message:  "fromはtoより前である必要があります。",
	Category: "validation",
	Action:   "期間の指定を確認してください。",
}

// toEventResponse はmodel.CalendarEventからAPIレスポンスに変換する。
func toEventResponse(ev *model.CalendarEvent) eventResponse {
	return eventResponse{
		ID:          ev.ID,
		Source:      string(ev.Source),
		ExternalID:  ev.ExternalID,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		StartsAt:    ev.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:      ev.EndsAt.UTC().Format(time.RFC3339),
		AllDay:      ev.AllDay,
		Status:      ev.Status,
		LastOrigin:  string(ev.LastOrigin),
		UpdatedAt:   ev.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
