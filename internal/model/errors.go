// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sync, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeNotConnected        = "NOT_CONNECTED"
	ErrCodeRefreshFailed       = "REFRESH_FAILED"
	ErrCodeProviderError       = "PROVIDER_ERROR"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeTokenExchangeFailed = "TOKEN_EXCHANGE_FAILED"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeSSRFBlocked         = "SSRF_BLOCKED"
	ErrCodeICSParseFailed      = "ICS_PARSE_FAILED"
	ErrCodeFetchFailed         = "FETCH_FAILED"
	ErrCodeServerError         = "SERVER_ERROR"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
)

// NewRateLimitedError は同期クールダウン中のエラーを生成する。
func NewRateLimitedError(retryAfter string) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "同期の実行間隔が短すぎます。",
		Category: "sync",
		Action:   fmt.Sprintf("%s 以降に再度お試しください。", retryAfter),
	}
}

// NewNotConnectedError はカレンダーが未接続の場合のエラーを生成する。
func NewNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConnected,
		Message:  "Googleカレンダーが接続されていません。",
		Category: "sync",
		Action:   "設定画面からGoogleカレンダーを接続してください。",
	}
}

// NewRefreshFailedError はトークン更新に失敗した場合のエラーを生成する。
func NewRefreshFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  "アクセストークンの更新に失敗しました。",
		Category: "sync",
		Action:   "Googleカレンダーを再接続してください。",
	}
}

// NewProviderError はプロバイダーAPIエラーを生成する。
// ステータスやボディの詳細はログのみに記録し、ユーザーには一般的な
// メッセージを返す。
func NewProviderError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  "カレンダーの同期に失敗しました。",
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidStateError はOAuthコールバックのstateが不明な場合のエラーを生成する。
// stateのどの部分が不正だったかは漏らさない。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "認可リクエストを確認できませんでした。",
		Category: "auth",
		Action:   "接続をやり直してください。",
	}
}

// NewTokenExchangeFailedError は認可コードの交換に失敗した場合のエラーを生成する。
// 認可コードは使い捨てのため自動リトライはしない。
func NewTokenExchangeFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExchangeFailed,
		Message:  "Googleからのトークン取得に失敗しました。",
		Category: "auth",
		Action:   "接続をやり直してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているICSフィードのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewICSParseFailedError はICSフィードの解析に失敗した場合のエラーを生成する。
func NewICSParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeICSParseFailed,
		Message:  "ICSフィードの解析に失敗しました。",
		Category: "validation",
		Action:   "有効なiCalendar形式のURLかどうか確認してください。",
	}
}

// NewFetchFailedError はICSフィードの取得に失敗した場合のエラーを生成する。
func NewFetchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  "ICSフィードの取得に失敗しました。",
		Category: "validation",
		Action:   "URLが正しいか、フィードが公開されているか確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     "USER_NOT_FOUND",
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
