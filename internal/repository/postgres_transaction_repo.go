package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// PostgresTransactionRepo はPostgreSQLを使用したOAuthトランザクションリポジトリ。
type PostgresTransactionRepo struct {
	db *sql.DB
}

// NewPostgresTransactionRepo はPostgresTransactionRepoを生成する。
func NewPostgresTransactionRepo(db *sql.DB) *PostgresTransactionRepo {
	return &PostgresTransactionRepo{db: db}
}

// Create はトランザクションを作成する。
func (r *PostgresTransactionRepo) Create(ctx context.Context, tx *model.OAuthTransaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_transactions (id, owner_id, provider, state, code_verifier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		tx.ID, tx.OwnerID, tx.Provider, tx.State, tx.CodeVerifier, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("OAuthトランザクションの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByState はstate値でトランザクションを検索する。見つからない場合はnilを返す。
func (r *PostgresTransactionRepo) FindByState(ctx context.Context, state string) (*model.OAuthTransaction, error) {
	tx := &model.OAuthTransaction{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, provider, state, code_verifier, created_at
		 FROM oauth_transactions WHERE state = $1`,
		state,
	).Scan(&tx.ID, &tx.OwnerID, &tx.Provider, &tx.State, &tx.CodeVerifier, &tx.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("OAuthトランザクションの検索に失敗しました: %w", err)
	}

	return tx, nil
}

// DeleteByID は指定IDのトランザクションを削除する。存在しない場合もエラーにしない。
func (r *PostgresTransactionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_transactions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("OAuthトランザクションの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteExpired は指定時刻より前に作成されたトランザクションを削除し、件数を返す。
func (r *PostgresTransactionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_transactions WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れOAuthトランザクションの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ TransactionRepository = (*PostgresTransactionRepo)(nil)
