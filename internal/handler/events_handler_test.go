package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// mockEventLister はテスト用のEventListerInterfaceモック。
type mockEventLister struct {
	listFn func(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error)
}

func (m *mockEventLister) ListByOwnerBetween(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
	return m.listFn(ctx, ownerID, from, to)
}

func TestEventsHandler_ListEvents_ReturnsEvents(t *testing.T) {
	starts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	handler := NewEventsHandler(&mockEventLister{
		listFn: func(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
			if ownerID != "user-123" {
				t.Errorf("ownerID = %s, want user-123", ownerID)
			}
			return []*model.CalendarEvent{
				{
					ID:         "event-1",
					Source:     model.EventSourceProvider,
					ExternalID: "gcal-abc",
					Title:      "定例会議",
					StartsAt:   starts,
					EndsAt:     starts.Add(time.Hour),
					Status:     "confirmed",
					LastOrigin: model.WriteOriginProvider,
					UpdatedAt:  starts,
				},
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/events?from=2025-06-01T00:00:00Z&to=2025-06-30T00:00:00Z", nil)
	req = withUserID(req, "user-123")
	rec := httptest.NewRecorder()

	handler.ListEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp eventListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if !resp.OK {
		t.Error("ok = false, want true")
	}
	if len(resp.Events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(resp.Events))
	}
	ev := resp.Events[0]
	if ev.ID != "event-1" || ev.Title != "定例会議" {
		t.Errorf("event = %+v", ev)
	}
	if ev.StartsAt != "2025-06-01T10:00:00Z" {
		t.Errorf("starts_at = %s, want 2025-06-01T10:00:00Z", ev.StartsAt)
	}
}

func TestEventsHandler_ListEvents_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	handler := NewEventsHandler(&mockEventLister{
		listFn: func(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = withUserID(req, "user-123")
	rec := httptest.NewRecorder()

	handler.ListEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// nullではなく[]が返ること
	if body := rec.Body.String(); !json.Valid([]byte(body)) || !containsJSONArray(body) {
		t.Errorf("events配列が空配列でない: %s", body)
	}
}

func containsJSONArray(body string) bool {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return false
	}
	return string(resp["events"]) == "[]"
}

func TestEventsHandler_ListEvents_DefaultRange(t *testing.T) {
	var gotFrom, gotTo time.Time
	handler := NewEventsHandler(&mockEventLister{
		listFn: func(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
			gotFrom, gotTo = from, to
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = withUserID(req, "user-123")
	rec := httptest.NewRecorder()

	handler.ListEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// デフォルトは30日前〜そこから90日後
	if d := gotTo.Sub(gotFrom); d != 90*24*time.Hour {
		t.Errorf("範囲 = %v, want 90日", d)
	}
	if time.Until(gotFrom) > -29*24*time.Hour {
		t.Errorf("from = %v, want 約30日前", gotFrom)
	}
}

func TestEventsHandler_ListEvents_InvalidFrom_ReturnsBadRequest(t *testing.T) {
	handler := NewEventsHandler(&mockEventLister{
		listFn: func(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
			t.Error("ListByOwnerBetweenが呼ばれるべきではない")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/events?from=not-a-date", nil)
	req = withUserID(req, "user-123")
	rec := httptest.NewRecorder()

	handler.ListEvents(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestEventsHandler_ListEvents_FromAfterTo_ReturnsBadRequest(t *testing.T) {
	handler := NewEventsHandler(&mockEventLister{
		listFn: func(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
			t.Error("ListByOwnerBetweenが呼ばれるべきではない")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/events?from=2025-06-30T00:00:00Z&to=2025-06-01T00:00:00Z", nil)
	req = withUserID(req, "user-123")
	rec := httptest.NewRecorder()

	handler.ListEvents(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	var resp apiErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.Code != "INVALID_REQUEST" {
		t.Errorf("code = %s, want INVALID_REQUEST", resp.Code)
	}
}

func TestEventsHandler_ListEvents_NoUserID_ReturnsUnauthorized(t *testing.T) {
	handler := NewEventsHandler(&mockEventLister{
		listFn: func(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
			t.Error("ListByOwnerBetweenが呼ばれるべきではない")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()

	handler.ListEvents(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
