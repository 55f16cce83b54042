// Package conflictcheck は同期完了後の競合チェックサービスへの通知を提供する。
// 通知は投げっぱなしであり、失敗しても同期結果には影響しない。
package conflictcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// defaultTimeout は通知1回あたりのタイムアウト。
// 同期のリクエストサイクルを引き延ばさないよう短く保つ。
const defaultTimeout = 5 * time.Second

// request は競合チェックサービスへのリクエストボディ。
type request struct {
	OwnerID   string `json:"owner_id"`
	DaysRange int    `json:"days_range"`
}

// Client は競合チェックサービスのクライアント。
// エンドポイントURLが空の場合、通知は無効化される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	daysRange  int
}

// NewClient はClientの新しいインスタンスを生成する。
// endpointが空文字列の場合はNotifyが何もしない無効クライアントになる。
func NewClient(endpoint string, daysRange int, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		endpoint:   endpoint,
		daysRange:  daysRange,
	}
}

// Enabled は通知が有効かを返す。
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

// Notify は指定オーナーの競合チェックを要求する。
// 無効化されている場合は何もせずnilを返す。
func (c *Client) Notify(ctx context.Context, ownerID string) error {
	if !c.Enabled() {
		return nil
	}

	body, err := json.Marshal(request{OwnerID: ownerID, DaysRange: c.daysRange})
	if err != nil {
		return fmt.Errorf("リクエストボディの構築に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("競合チェックサービスの呼び出しに失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("競合チェックサービスがエラーステータスを返しました",
			slog.String("owner_id", ownerID),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("競合チェックサービスがステータス %d を返しました", resp.StatusCode)
	}

	return nil
}
