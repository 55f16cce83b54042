package syncjob

import "time"

// SyncOutcome はプロバイダーのHTTPステータスに基づく同期結果の分類。
type SyncOutcome int

const (
	// SyncOutcomeOK は同期成功。
	SyncOutcomeOK SyncOutcome = iota
	// SyncOutcomeReauth は再認可が必要なステータス（401/403）。
	SyncOutcomeReauth
	// SyncOutcomeBackoff はバックオフが必要なステータス（429/5xx）。
	SyncOutcomeBackoff
	// SyncOutcomeUnknown は未知のステータスコード。
	SyncOutcomeUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延（5分）。
	initialBackoff = 5 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（2時間）。
	maxBackoff = 2 * time.Hour
)

// ClassifyProviderStatus はプロバイダーAPIのHTTPステータスコードを同期結果に分類する。
// 410（カーソル失効）はエンジン側で処理されるためここには現れない。
func ClassifyProviderStatus(statusCode int) SyncOutcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return SyncOutcomeOK
	case statusCode == 401 || statusCode == 403:
		return SyncOutcomeReauth
	case statusCode == 429:
		return SyncOutcomeBackoff
	case statusCode >= 500:
		return SyncOutcomeBackoff
	default:
		return SyncOutcomeUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回5分、2倍ずつ増加、最大2時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
