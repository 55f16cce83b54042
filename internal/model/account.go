// Package model はドメインモデルを定義する。
package model

import "time"

// AccountStatus は外部カレンダーアカウントの接続状態を表す。
type AccountStatus string

const (
	// AccountStatusPending はOAuth認可が未完了の状態。
	AccountStatusPending AccountStatus = "pending"
	// AccountStatusConnected は接続済みで同期可能な状態。
	AccountStatusConnected AccountStatus = "connected"
	// AccountStatusSyncReset は同期カーソルが失効し、次回の同期で
	// フル再同期が必要な状態。
	AccountStatusSyncReset AccountStatus = "sync_reset"
	// AccountStatusError はトークン失効等により同期不能な状態。
	AccountStatusError AccountStatus = "error"
)

// ExternalAccount は外部カレンダープロバイダーとの接続を表す。
// (owner_id, provider) ごとに最大1行。トークンはvaultで暗号化された
// 不透明文字列として保持する。
type ExternalAccount struct {
	ID                string
	OwnerID           string
	Provider          string // "google"
	ProviderAccountID string // プロバイダー側のアカウント識別子（sub）
	Email             string
	CalendarID        string // 主カレンダーの識別子。通常は "primary"
	AccessTokenEnc    string // 暗号化済みアクセストークン
	RefreshTokenEnc   string // 暗号化済みリフレッシュトークン（空の場合あり）
	TokenExpiresAt    *time.Time
	Scopes            []string
	SyncCursor        string // プロバイダー発行の増分同期カーソル。空はフル同期が必要
	LastSyncAt        *time.Time
	NextSyncAfter     *time.Time // この時刻より前の同期要求は拒否する
	Status            AccountStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OAuthTransaction は進行中のOAuth認可試行を表す一時レコード。
// コールバック成功時に消費（削除）され、TTL超過後は無効として扱う。
type OAuthTransaction struct {
	ID           string
	OwnerID      string
	Provider     string
	State        string // CSRF対策のランダムなstate値
	CodeVerifier string // PKCEのコード検証値
	CreatedAt    time.Time
}

// Expired はトランザクションがTTLを超過しているかを返す。
func (t *OAuthTransaction) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(t.CreatedAt) > ttl
}
