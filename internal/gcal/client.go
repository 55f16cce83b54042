// Package gcal はGoogle Calendar APIの薄いHTTPクライアントを提供する。
// 増分同期用のsyncTokenとページネーションをサポートする。
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultBaseURL はGoogle Calendar APIのベースURL。
const DefaultBaseURL = "https://www.googleapis.com/calendar/v3"

// ErrSyncTokenExpired はプロバイダーがsyncTokenの失効（410 Gone）を
// 通知したことを表す。呼び出し側はカーソルを破棄してフル同期に戻る。
var ErrSyncTokenExpired = errors.New("同期トークンが失効しました")

// APIError はGoogle Calendar APIの非2xxレスポンスを表す。
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendar APIエラー: status=%d body=%s", e.StatusCode, e.Body)
}

// EventTime はイベントの開始・終了時刻を表す。
// 終日イベントはDateのみ、通常イベントはDateTimeのみが設定される。
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Resolve はEventTimeを時刻と終日フラグに解決する。
func (t EventTime) Resolve() (time.Time, bool, error) {
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("dateTimeのパースに失敗しました: %w", err)
		}
		return parsed, false, nil
	}
	if t.Date != "" {
		parsed, err := time.Parse("2006-01-02", t.Date)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("dateのパースに失敗しました: %w", err)
		}
		return parsed, true, nil
	}
	return time.Time{}, false, errors.New("dateTimeとdateがどちらも未設定です")
}

// Event はGoogle Calendar APIのイベントリソース。
type Event struct {
	ID          string    `json:"id"`
	Etag        string    `json:"etag"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
	Updated     string    `json:"updated"`
}

// UpdatedTime はプロバイダー側の最終更新時刻を返す。
// パースできない場合はゼロ値を返す。
func (e *Event) UpdatedTime() time.Time {
	t, err := time.Parse(time.RFC3339, e.Updated)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EventsPage はevents.listの1ページ分のレスポンス。
type EventsPage struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
	NextSyncToken string  `json:"nextSyncToken"`
}

// ListQuery はevents.listのクエリパラメータ。
// SyncTokenが設定されている場合は増分同期となり、
// 時間窓パラメータは送信されない（プロバイダー側の制約）。
type ListQuery struct {
	CalendarID string
	SyncToken  string
	PageToken  string
	TimeMin    time.Time
	TimeMax    time.Time
}

// Client はGoogle Calendar APIクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New はClientを生成する。timeoutはAPI呼び出し1回あたりの上限。
func New(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    DefaultBaseURL,
	}
}

// SetBaseURL はAPIのベースURLを上書きする。テスト用。
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// ListEvents はevents.listを1ページ分呼び出す。
// 410 GoneはErrSyncTokenExpired、その他の非2xxは*APIErrorを返す。
func (c *Client) ListEvents(ctx context.Context, accessToken string, q ListQuery) (*EventsPage, error) {
	params := url.Values{}
	params.Set("singleEvents", "true")
	params.Set("maxResults", "250")

	if q.SyncToken != "" {
		params.Set("syncToken", q.SyncToken)
	} else {
		params.Set("timeMin", q.TimeMin.Format(time.RFC3339))
		params.Set("timeMax", q.TimeMax.Format(time.RFC3339))
		params.Set("orderBy", "startTime")
	}
	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		c.baseURL, url.PathEscape(q.CalendarID), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrSyncTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var page EventsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("レスポンスのデコードに失敗しました: %w", err)
	}

	return &page, nil
}
