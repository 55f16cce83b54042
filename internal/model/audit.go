// Package model はドメインモデルを定義する。
package model

import "time"

// 監査ログのイベント種別。
const (
	AuditSyncStarted    = "sync_started"
	AuditSyncSucceeded  = "sync_succeeded"
	AuditSyncFailed     = "sync_failed"
	AuditSyncReset      = "sync_reset"
	AuditSyncConflict   = "sync_conflict"
	AuditTokenRefreshed = "token_refreshed"
	AuditAccountLinked  = "account_linked"
	AuditICSImported    = "ics_imported"
)

// AuditEntry は追記専用の監査ログエントリを表す。
// この層からは決して更新・削除されない。スキップされた競合の
// 唯一の記録でもある。
type AuditEntry struct {
	ID        string
	OwnerID   string
	Kind      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// NewAuditEntry は監査エントリを生成する。IDは永続化層で採番する。
func NewAuditEntry(ownerID, kind string, metadata map[string]any) *AuditEntry {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &AuditEntry{
		OwnerID:   ownerID,
		Kind:      kind,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
}
