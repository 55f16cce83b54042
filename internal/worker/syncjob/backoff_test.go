package syncjob

import (
	"testing"
	"time"
)

func TestClassifyProviderStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       SyncOutcome
	}{
		{"200は成功", 200, SyncOutcomeOK},
		{"204は成功", 204, SyncOutcomeOK},
		{"401は再認可", 401, SyncOutcomeReauth},
		{"403は再認可", 403, SyncOutcomeReauth},
		{"429はバックオフ", 429, SyncOutcomeBackoff},
		{"500はバックオフ", 500, SyncOutcomeBackoff},
		{"503はバックオフ", 503, SyncOutcomeBackoff},
		{"404は未知", 404, SyncOutcomeUnknown},
		{"400は未知", 400, SyncOutcomeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyProviderStatus(tt.statusCode); got != tt.want {
				t.Errorf("ClassifyProviderStatus(%d) = %v, want %v", tt.statusCode, got, tt.want)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name              string
		consecutiveErrors int
		want              time.Duration
	}{
		{"初回は5分", 0, 5 * time.Minute},
		{"2回目は10分", 1, 10 * time.Minute},
		{"3回目は20分", 2, 20 * time.Minute},
		{"4回目は40分", 3, 40 * time.Minute},
		{"5回目は80分", 4, 80 * time.Minute},
		{"上限は2時間", 5, 2 * time.Hour},
		{"上限を超えない", 20, 2 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateBackoff(tt.consecutiveErrors); got != tt.want {
				t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.consecutiveErrors, got, tt.want)
			}
		})
	}
}
