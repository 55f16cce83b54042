package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用した外部アカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, owner_id, provider, provider_account_id, email, calendar_id,
	        access_token_enc, refresh_token_enc, token_expires_at, scopes,
	        sync_cursor, last_sync_at, next_sync_after, status, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.ExternalAccount, error) {
	account := &model.ExternalAccount{}
	var tokenExpiresAt, lastSyncAt, nextSyncAfter sql.NullTime

	err := row.Scan(
		&account.ID, &account.OwnerID, &account.Provider, &account.ProviderAccountID,
		&account.Email, &account.CalendarID,
		&account.AccessTokenEnc, &account.RefreshTokenEnc, &tokenExpiresAt,
		pq.Array(&account.Scopes),
		&account.SyncCursor, &lastSyncAt, &nextSyncAfter, &account.Status,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.TokenExpiresAt = nullTimeValue(tokenExpiresAt)
	account.LastSyncAt = nullTimeValue(lastSyncAt)
	account.NextSyncAfter = nullTimeValue(nextSyncAfter)

	return account, nil
}

// FindByOwnerAndProvider はowner_idとproviderでアカウントを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByOwnerAndProvider(ctx context.Context, ownerID, provider string) (*model.ExternalAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+`
		 FROM external_accounts WHERE owner_id = $1 AND provider = $2`,
		ownerID, provider,
	)

	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("外部アカウントの取得に失敗しました: %w", err)
	}

	return account, nil
}

// accountUpsertQuery は(owner_id, provider)をキーにしたUPSERT。
// 再接続で別のプロバイダーアカウントに切り替わった場合、保存済みの
// sync_cursorは別カレンダーのものなのでクリアしてフル同期からやり直す。
const accountUpsertQuery = `INSERT INTO external_accounts
    (id, owner_id, provider, provider_account_id, email, calendar_id,
     access_token_enc, refresh_token_enc, token_expires_at, scopes,
     sync_cursor, status, created_at, updated_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
 ON CONFLICT (owner_id, provider) DO UPDATE SET
    provider_account_id = EXCLUDED.provider_account_id,
    email = EXCLUDED.email,
    calendar_id = EXCLUDED.calendar_id,
    access_token_enc = EXCLUDED.access_token_enc,
    refresh_token_enc = CASE WHEN EXCLUDED.refresh_token_enc <> ''
                             THEN EXCLUDED.refresh_token_enc
                             ELSE external_accounts.refresh_token_enc END,
    token_expires_at = EXCLUDED.token_expires_at,
    scopes = EXCLUDED.scopes,
    sync_cursor = CASE WHEN external_accounts.provider_account_id <> EXCLUDED.provider_account_id
                       THEN ''
                       ELSE external_accounts.sync_cursor END,
    status = EXCLUDED.status,
    updated_at = now()`

// Upsert はアカウントを(owner_id, provider)をキーに作成または更新する。
func (r *PostgresAccountRepo) Upsert(ctx context.Context, account *model.ExternalAccount) error {
	_, err := r.db.ExecContext(ctx, accountUpsertQuery,
		account.ID, account.OwnerID, account.Provider, account.ProviderAccountID,
		account.Email, account.CalendarID,
		account.AccessTokenEnc, account.RefreshTokenEnc, nullTime(account.TokenExpiresAt),
		pq.Array(account.Scopes),
		account.SyncCursor, account.Status,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("外部アカウントのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpdateTokens は暗号化済みアクセストークンと有効期限を更新する。
// refreshTokenEncが空でない場合はリフレッシュトークンも差し替える
// （プロバイダーがリフレッシュトークンを再発行するケース）。
func (r *PostgresAccountRepo) UpdateTokens(ctx context.Context, id string, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE external_accounts SET
		    access_token_enc = $2,
		    refresh_token_enc = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token_enc END,
		    token_expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, accessTokenEnc, refreshTokenEnc, nullTime(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateSyncState は同期完了時の状態を更新する。
func (r *PostgresAccountRepo) UpdateSyncState(ctx context.Context, id string, cursor string, lastSyncAt, nextSyncAfter time.Time, status model.AccountStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE external_accounts SET
		    sync_cursor = $2, last_sync_at = $3, next_sync_after = $4,
		    status = $5, updated_at = now()
		 WHERE id = $1`,
		id, cursor, lastSyncAt, nextSyncAfter, status,
	)
	if err != nil {
		return fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ResetCursor はsync_cursorをクリアしstatusをsync_resetにする。
func (r *PostgresAccountRepo) ResetCursor(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE external_accounts SET
		    sync_cursor = '', status = $2, updated_at = now()
		 WHERE id = $1`,
		id, model.AccountStatusSyncReset,
	)
	if err != nil {
		return fmt.Errorf("同期カーソルのリセットに失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus はstatusのみを更新する。
func (r *PostgresAccountRepo) UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE external_accounts SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("ステータスの更新に失敗しました: %w", err)
	}
	return nil
}

// ListDueForSync は同期対象のアカウントを取得する。
// status IN ('connected', 'sync_reset') かつ next_sync_after が未設定または経過済みの
// アカウントをFOR UPDATE SKIP LOCKEDで排他的に取得する。
func (r *PostgresAccountRepo) ListDueForSync(ctx context.Context, limit int) ([]*model.ExternalAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM external_accounts
		 WHERE status IN ('connected', 'sync_reset')
		   AND (next_sync_after IS NULL OR next_sync_after <= now())
		 ORDER BY next_sync_after ASC NULLS FIRST
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象アカウントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.ExternalAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("同期対象アカウントの読み取りに失敗しました: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期対象アカウントの走査に失敗しました: %w", err)
	}

	return accounts, nil
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue はsql.NullTimeから*time.Timeを取得する。
func nullTimeValue(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
