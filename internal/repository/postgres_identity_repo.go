package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
// identitiesはログインIdP上のユーザーとローカルユーザーの対応表で、
// (provider, provider_user_id) にユニーク制約がある。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const identityLookupQuery = `
SELECT id, user_id, provider, provider_user_id, created_at
FROM identities
WHERE provider = $1 AND provider_user_id = $2`

// FindByProviderAndProviderUserID はIdP上のユーザーIDからidentityを解決する。
// 未登録の場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx, identityLookupQuery, provider, providerUserID).
		Scan(&identity.ID, &identity.UserID, &identity.Provider, &identity.ProviderUserID, &identity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identityの取得に失敗しました: %w", err)
	}
	return identity, nil
}

var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
