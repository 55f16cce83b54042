// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、external_accounts等はCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// AccountRepository は外部カレンダーアカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByOwnerAndProvider はowner_idとproviderでアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByOwnerAndProvider(ctx context.Context, ownerID, provider string) (*model.ExternalAccount, error)

	// Upsert はアカウントを(owner_id, provider)をキーに作成または更新する。
	// OAuth認可完了時に呼ばれ、トークン・アカウント情報・statusを書き込む。
	Upsert(ctx context.Context, account *model.ExternalAccount) error

	// UpdateTokens は暗号化済みアクセストークンと有効期限を更新する。
	// リフレッシュ成功時に呼ばれる。refreshTokenEncが空でない場合は
	// 再発行されたリフレッシュトークンも差し替える。
	UpdateTokens(ctx context.Context, id string, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error

	// UpdateSyncState は同期完了時の状態を更新する。
	// sync_cursor、last_sync_at、next_sync_after、statusを一括で書き込む。
	UpdateSyncState(ctx context.Context, id string, cursor string, lastSyncAt, nextSyncAfter time.Time, status model.AccountStatus) error

	// ResetCursor はsync_cursorをクリアしstatusをsync_resetにする。
	// プロバイダーがカーソル失効を通知した場合に呼ばれる。
	ResetCursor(ctx context.Context, id string) error

	// UpdateStatus はstatusのみを更新する。
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error

	// ListDueForSync は同期対象のアカウントを取得する。
	// status IN ('connected', 'sync_reset') かつ next_sync_after が未設定または経過済みの
	// アカウントをFOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForSync(ctx context.Context, limit int) ([]*model.ExternalAccount, error)
}

// TransactionRepository はOAuth認可トランザクションの永続化インターフェース。
type TransactionRepository interface {
	// Create はトランザクションを作成する。
	Create(ctx context.Context, tx *model.OAuthTransaction) error

	// FindByState はstate値でトランザクションを検索する。見つからない場合はnilを返す。
	FindByState(ctx context.Context, state string) (*model.OAuthTransaction, error)

	// DeleteByID は指定IDのトランザクションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error

	// DeleteExpired は指定時刻より前に作成されたトランザクションを削除し、件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// EventRepository はカレンダーイベントの永続化インターフェース。
type EventRepository interface {
	// FindByExternal はowner_id、source、external_idでイベントを検索する。
	// 見つからない場合はnilを返す。
	FindByExternal(ctx context.Context, ownerID string, source model.EventSource, externalID string) (*model.CalendarEvent, error)

	// Insert は新規イベントを作成する。
	Insert(ctx context.Context, event *model.CalendarEvent) error

	// Update は既存イベントを上書き更新する。履歴は保持しない。
	Update(ctx context.Context, event *model.CalendarEvent) error

	// ListByOwnerBetween は指定期間に開始するイベントをstarts_at昇順で返す。
	ListByOwnerBetween(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error)
}

// AuditRepository は監査ログの永続化インターフェース。追記専用。
type AuditRepository interface {
	// Append は監査エントリを追記する。
	Append(ctx context.Context, entry *model.AuditEntry) error

	// ListByOwner は指定ユーザーの監査エントリを新しい順に返す。
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.AuditEntry, error)

	// DeleteOlderThan は指定時刻より古いエントリを削除し、件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
