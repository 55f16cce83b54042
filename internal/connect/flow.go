// Package connect は外部カレンダープロバイダーとのOAuth接続フローを提供する。
// PKCE付きの認可コードフローを使用し、進行中の認可試行は
// oauth_transactionsテーブルで管理する。
package connect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hafizcsw/oryxa-sync/internal/model"
	"github.com/hafizcsw/oryxa-sync/internal/repository"
	"github.com/hafizcsw/oryxa-sync/internal/vault"
)

const (
	defaultAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// calendarScope はカレンダーの読み書きスコープ。
	calendarScope = "https://www.googleapis.com/auth/calendar"
)

var (
	// ErrInvalidState はstateが未知・期限切れ・再利用のいずれかであることを表す。
	// どの原因かは呼び出し側に開示しない。
	ErrInvalidState = errors.New("無効なstateです")

	// ErrTokenExchangeFailed はプロバイダーが認可コードの交換を拒否したことを表す。
	// リトライしない。
	ErrTokenExchangeFailed = errors.New("トークン交換に失敗しました")
)

// Config は接続フローの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TxTTL        time.Duration // OAuthTransactionの有効期間

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// Flow はOAuth接続フローを実行する。
type Flow struct {
	config      Config
	oauth       *oauth2.Config
	txRepo      repository.TransactionRepository
	accountRepo repository.AccountRepository
	auditRepo   repository.AuditRepository
	vault       *vault.Vault
	logger      *slog.Logger
	now         func() time.Time
}

// NewFlow はFlowを生成する。
func NewFlow(
	config Config,
	txRepo repository.TransactionRepository,
	accountRepo repository.AccountRepository,
	auditRepo repository.AuditRepository,
	v *vault.Vault,
	logger *slog.Logger,
) *Flow {
	if config.AuthURL == "" {
		config.AuthURL = defaultAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultUserInfoURL
	}
	if config.TxTTL <= 0 {
		config.TxTTL = 10 * time.Minute
	}

	return &Flow{
		config: config,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{calendarScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
			},
		},
		txRepo:      txRepo,
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		vault:       v,
		logger:      logger,
		now:         time.Now,
	}
}

// Initiate は認可URLを生成し、PKCE検証値とstateをトランザクションとして保存する。
func (f *Flow) Initiate(ctx context.Context, ownerID string) (string, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("stateの生成に失敗しました: %w", err)
	}

	tx := &model.OAuthTransaction{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Provider:     "google",
		State:        state,
		CodeVerifier: verifier,
		CreatedAt:    f.now(),
	}
	if err := f.txRepo.Create(ctx, tx); err != nil {
		return "", fmt.Errorf("OAuthトランザクションの保存に失敗しました: %w", err)
	}

	authURL := f.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)

	f.logger.Info("OAuth接続フローを開始しました",
		slog.String("owner_id", ownerID),
	)

	return authURL, nil
}

// Complete はOAuthコールバックを処理し、外部アカウントを接続済みにする。
// stateが未知または期限切れの場合はErrInvalidState、
// プロバイダーがコード交換を拒否した場合はErrTokenExchangeFailedを返す。
func (f *Flow) Complete(ctx context.Context, code, state string) error {
	tx, err := f.txRepo.FindByState(ctx, state)
	if err != nil {
		return fmt.Errorf("OAuthトランザクションの検索に失敗しました: %w", err)
	}
	if tx == nil {
		return ErrInvalidState
	}
	if tx.Expired(f.config.TxTTL, f.now()) {
		// 期限切れトランザクションは削除した上で拒否する
		if delErr := f.txRepo.DeleteByID(ctx, tx.ID); delErr != nil {
			f.logger.Error("期限切れトランザクションの削除に失敗しました",
				slog.String("tx_id", tx.ID),
				slog.String("error", delErr.Error()),
			)
		}
		return ErrInvalidState
	}

	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(tx.CodeVerifier))
	if err != nil {
		f.logger.Warn("認可コードの交換が拒否されました",
			slog.String("owner_id", tx.OwnerID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	userInfo, err := f.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return fmt.Errorf("ユーザー情報の取得に失敗しました: %w", err)
	}

	accessEnc, err := f.vault.EncryptToken(token.AccessToken)
	if err != nil {
		return fmt.Errorf("アクセストークンの暗号化に失敗しました: %w", err)
	}

	refreshEnc := ""
	if token.RefreshToken != "" {
		refreshEnc, err = f.vault.EncryptToken(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("リフレッシュトークンの暗号化に失敗しました: %w", err)
		}
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry
		expiresAt = &t
	}

	now := f.now()
	account := &model.ExternalAccount{
		ID:                uuid.New().String(),
		OwnerID:           tx.OwnerID,
		Provider:          tx.Provider,
		ProviderAccountID: userInfo.Sub,
		Email:             userInfo.Email,
		CalendarID:        "primary",
		AccessTokenEnc:    accessEnc,
		RefreshTokenEnc:   refreshEnc,
		TokenExpiresAt:    expiresAt,
		Scopes:            []string{calendarScope},
		Status:            model.AccountStatusConnected,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := f.accountRepo.Upsert(ctx, account); err != nil {
		return fmt.Errorf("外部アカウントの保存に失敗しました: %w", err)
	}

	// トランザクションは消費済みとして削除（冪等）
	if err := f.txRepo.DeleteByID(ctx, tx.ID); err != nil {
		f.logger.Error("消費済みトランザクションの削除に失敗しました",
			slog.String("tx_id", tx.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := f.auditRepo.Append(ctx, model.NewAuditEntry(tx.OwnerID, model.AuditAccountLinked, map[string]any{
		"provider": tx.Provider,
		"email":    userInfo.Email,
	})); err != nil {
		f.logger.Error("監査ログの追記に失敗しました",
			slog.String("owner_id", tx.OwnerID),
			slog.String("error", err.Error()),
		)
	}

	f.logger.Info("外部カレンダーアカウントを接続しました",
		slog.String("owner_id", tx.OwnerID),
		slog.String("provider", tx.Provider),
	)

	return nil
}

// providerUserInfo はユーザー情報エンドポイントのレスポンス。
type providerUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// fetchUserInfo はアクセストークンでプロバイダーのユーザー情報を取得する。
func (f *Flow) fetchUserInfo(ctx context.Context, accessToken string) (*providerUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var userInfo providerUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	if userInfo.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &userInfo, nil
}

// generateState は暗号的に安全なstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
