package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Append は監査エントリを追記する。IDが未設定の場合は採番する。
func (r *PostgresAuditRepo) Append(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("メタデータのシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, owner_id, kind, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.OwnerID, entry.Kind, metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("監査ログの追記に失敗しました: %w", err)
	}
	return nil
}

// ListByOwner は指定ユーザーの監査エントリを新しい順に返す。
func (r *PostgresAuditRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, kind, metadata, created_at
		 FROM audit_log
		 WHERE owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("監査ログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.OwnerID, &entry.Kind, &metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("監査ログの読み取りに失敗しました: %w", err)
		}
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("メタデータのデシリアライズに失敗しました: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("監査ログの走査に失敗しました: %w", err)
	}

	return entries, nil
}

// DeleteOlderThan は指定時刻より古いエントリを削除し、件数を返す。
func (r *PostgresAuditRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("古い監査ログの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
