// Package tokens は保存済みOAuthトークンの取得とリフレッシュを提供する。
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hafizcsw/oryxa-sync/internal/model"
	"github.com/hafizcsw/oryxa-sync/internal/repository"
	"github.com/hafizcsw/oryxa-sync/internal/vault"
)

// refreshMargin は有効期限のこの時間前からリフレッシュを行う。
const refreshMargin = 60 * time.Second

var (
	// ErrNotConnected は外部アカウントが接続されていないことを表す。
	ErrNotConnected = errors.New("外部カレンダーアカウントが接続されていません")

	// ErrRefreshFailed はトークンのリフレッシュに失敗したことを表す。
	// リフレッシュトークンの不在・プロバイダーの拒否のいずれでも返る。
	// リトライしない。
	ErrRefreshFailed = errors.New("トークンのリフレッシュに失敗しました")
)

// MetricsRecorder はリフレッシュ実行の記録インターフェース。
type MetricsRecorder interface {
	RecordTokenRefresh()
}

// Config はリフレッシャーの設定。
type Config struct {
	ClientID     string
	ClientSecret string

	// テスト用にオーバーライド可能なURL
	TokenURL string
}

// Refresher は有効なアクセストークンの提供を担う。
// 同一オーナーのリフレッシュはキー付きミューテックスで直列化する。
type Refresher struct {
	config      Config
	oauth       *oauth2.Config
	accountRepo repository.AccountRepository
	auditRepo   repository.AuditRepository
	vault       *vault.Vault
	logger      *slog.Logger
	metrics     MetricsRecorder // nilの場合は記録しない
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRefresher はRefresherを生成する。
func NewRefresher(
	config Config,
	accountRepo repository.AccountRepository,
	auditRepo repository.AuditRepository,
	v *vault.Vault,
	logger *slog.Logger,
) *Refresher {
	if config.TokenURL == "" {
		config.TokenURL = "https://oauth2.googleapis.com/token"
	}
	return &Refresher{
		config: config,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: config.TokenURL},
		},
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		vault:       v,
		logger:      logger,
		now:         time.Now,
	}
}

// SetMetrics はメトリクスレコーダーを設定する。
func (r *Refresher) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// ValidAccessToken は指定オーナーの有効なアクセストークンを返す。
// アカウントが未接続の場合はErrNotConnectedを返す。
func (r *Refresher) ValidAccessToken(ctx context.Context, ownerID string) (string, error) {
	account, err := r.accountRepo.FindByOwnerAndProvider(ctx, ownerID, "google")
	if err != nil {
		return "", fmt.Errorf("外部アカウントの取得に失敗しました: %w", err)
	}
	if account == nil {
		return "", ErrNotConnected
	}
	return r.TokenForAccount(ctx, account)
}

// TokenForAccount はロード済みアカウントの有効なアクセストークンを返す。
// 有効期限が未設定またはマージンより先の場合は保存済みトークンをそのまま返し、
// それ以外はリフレッシュグラントで更新して永続化する。
func (r *Refresher) TokenForAccount(ctx context.Context, account *model.ExternalAccount) (string, error) {
	// 速いパス: 期限内ならそのまま復号して返す
	if account.TokenExpiresAt == nil || account.TokenExpiresAt.After(r.now().Add(refreshMargin)) {
		token, err := r.vault.DecryptToken(account.AccessTokenEnc)
		if err != nil {
			return "", fmt.Errorf("アクセストークンの復号に失敗しました: %w", err)
		}
		return token, nil
	}

	// 同一オーナーのリフレッシュを直列化する。
	// 競合した場合は後勝ち（last-write-wins）で問題ない。
	lock := r.ownerLock(account.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	// ロック待ちの間に別のgoroutineがリフレッシュ済みの可能性があるため再読込
	fresh, err := r.accountRepo.FindByOwnerAndProvider(ctx, account.OwnerID, account.Provider)
	if err != nil {
		return "", fmt.Errorf("外部アカウントの再取得に失敗しました: %w", err)
	}
	if fresh == nil {
		return "", ErrNotConnected
	}
	if fresh.TokenExpiresAt == nil || fresh.TokenExpiresAt.After(r.now().Add(refreshMargin)) {
		token, err := r.vault.DecryptToken(fresh.AccessTokenEnc)
		if err != nil {
			return "", fmt.Errorf("アクセストークンの復号に失敗しました: %w", err)
		}
		return token, nil
	}

	return r.refresh(ctx, fresh)
}

// refresh はリフレッシュグラントでアクセストークンを更新し、永続化する。
func (r *Refresher) refresh(ctx context.Context, account *model.ExternalAccount) (string, error) {
	if account.RefreshTokenEnc == "" {
		return "", fmt.Errorf("%w: リフレッシュトークンがありません", ErrRefreshFailed)
	}

	refreshToken, err := r.vault.DecryptToken(account.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("リフレッシュトークンの復号に失敗しました: %w", err)
	}

	src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := src.Token()
	if err != nil {
		r.logger.Warn("プロバイダーがリフレッシュを拒否しました",
			slog.String("owner_id", account.OwnerID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	accessEnc, err := r.vault.EncryptToken(newToken.AccessToken)
	if err != nil {
		return "", fmt.Errorf("アクセストークンの暗号化に失敗しました: %w", err)
	}

	// プロバイダーがリフレッシュトークンを再発行した場合はそれも永続化する。
	// 放置すると旧リフレッシュトークンの失効後にErrRefreshFailedになる。
	var refreshEnc string
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		refreshEnc, err = r.vault.EncryptToken(newToken.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("リフレッシュトークンの暗号化に失敗しました: %w", err)
		}
	}

	var expiresAt *time.Time
	if !newToken.Expiry.IsZero() {
		t := newToken.Expiry
		expiresAt = &t
	}

	if err := r.accountRepo.UpdateTokens(ctx, account.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return "", fmt.Errorf("トークンの永続化に失敗しました: %w", err)
	}

	if err := r.auditRepo.Append(ctx, model.NewAuditEntry(account.OwnerID, model.AuditTokenRefreshed, map[string]any{
		"provider": account.Provider,
	})); err != nil {
		r.logger.Error("監査ログの追記に失敗しました",
			slog.String("owner_id", account.OwnerID),
			slog.String("error", err.Error()),
		)
	}

	if r.metrics != nil {
		r.metrics.RecordTokenRefresh()
	}

	r.logger.Info("アクセストークンをリフレッシュしました",
		slog.String("owner_id", account.OwnerID),
		slog.String("provider", account.Provider),
	)

	return newToken.AccessToken, nil
}

// ownerLock はオーナーごとのミューテックスを返す。
func (r *Refresher) ownerLock(ownerID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := r.locks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[ownerID] = lock
	}
	return lock
}
