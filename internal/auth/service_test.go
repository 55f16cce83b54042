package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/model"
	"github.com/hafizcsw/oryxa-sync/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error { return nil }

type mockIdentityRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

type mockSessionRepo struct {
	createFn         func(ctx context.Context, session *model.Session) error
	findByIDFn       func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn     func(ctx context.Context, id string) error
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

var (
	_ repository.UserRepository     = (*mockUserRepo)(nil)
	_ repository.IdentityRepository = (*mockIdentityRepo)(nil)
	_ repository.SessionRepository  = (*mockSessionRepo)(nil)
	_ OAuthProvider                 = (*mockOAuthProvider)(nil)
)

// plannerInfo はテスト用のログインユーザー情報。
func plannerInfo() *OAuthUserInfo {
	return &OAuthUserInfo{
		ProviderUserID: "google-sub-42",
		Email:          "planner@oryxa.example",
		Name:           "Oryxa Planner",
		Provider:       "google",
	}
}

// --- テスト ---

func TestGetLoginURL_DelegatesToProvider(t *testing.T) {
	provider := &mockOAuthProvider{
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	svc := NewService(provider, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	got := svc.GetLoginURL("state-xyz")
	want := "https://accounts.google.com/o/oauth2/auth?state=state-xyz"
	if got != want {
		t.Errorf("GetLoginURL() = %q, want %q", got, want)
	}
}

func TestHandleCallback_FirstLogin_CreatesUserIdentityAndSession(t *testing.T) {
	ctx := context.Background()

	var createdUser *model.User
	var createdIdentity *model.Identity
	var createdSession *model.Session

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return plannerInfo(), nil
		},
	}
	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			createdUser = user
			createdIdentity = identity
			return nil
		},
	}
	// identity未登録 -> 初回ログイン
	identityRepo := &mockIdentityRepo{}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}

	svc := NewService(provider, userRepo, identityRepo, sessionRepo, ServiceConfig{SessionMaxAge: 86400})

	session, err := svc.HandleCallback(ctx, "auth-code-1")
	if err != nil {
		t.Fatalf("HandleCallbackに失敗: %v", err)
	}

	if session == nil || session.ID == "" {
		t.Fatal("セッションが発行されていない")
	}
	if createdUser == nil || createdIdentity == nil {
		t.Fatal("ユーザーとidentityが作成されていない")
	}
	if createdUser.Email != "planner@oryxa.example" {
		t.Errorf("user.Email = %q, want %q", createdUser.Email, "planner@oryxa.example")
	}
	if createdIdentity.UserID != createdUser.ID {
		t.Errorf("identity.UserID = %q, want %q", createdIdentity.UserID, createdUser.ID)
	}
	if createdIdentity.ProviderUserID != "google-sub-42" {
		t.Errorf("identity.ProviderUserID = %q, want %q", createdIdentity.ProviderUserID, "google-sub-42")
	}
	if createdSession == nil || createdSession.UserID != createdUser.ID {
		t.Error("セッションが新規ユーザーに紐付いていない")
	}
	if !createdSession.ExpiresAt.After(time.Now()) {
		t.Error("発行直後のセッションが期限切れ")
	}
}

func TestHandleCallback_ReturningUser_ResolvesViaIdentity(t *testing.T) {
	ctx := context.Background()

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return plannerInfo(), nil
		},
	}
	identityRepo := &mockIdentityRepo{
		findByProviderFn: func(ctx context.Context, p, providerUserID string) (*model.Identity, error) {
			return &model.Identity{
				ID:             "ident-1",
				UserID:         "user-returning-1",
				Provider:       p,
				ProviderUserID: providerUserID,
			}, nil
		},
	}
	// createWithIdentityFnは未設定。呼ばれた場合は新規作成扱いになりテストが落ちる
	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			t.Error("既存ユーザーに対してCreateWithIdentityが呼ばれた")
			return nil
		},
	}

	svc := NewService(provider, userRepo, identityRepo, &mockSessionRepo{}, ServiceConfig{SessionMaxAge: 86400})

	session, err := svc.HandleCallback(ctx, "auth-code-2")
	if err != nil {
		t.Fatalf("HandleCallbackに失敗: %v", err)
	}
	if session.UserID != "user-returning-1" {
		t.Errorf("session.UserID = %q, want %q", session.UserID, "user-returning-1")
	}
}

func TestHandleCallback_ExchangeFails_ReturnsError(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return nil, errors.New("invalid_grant")
		},
	}

	svc := NewService(provider, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	if _, err := svc.HandleCallback(context.Background(), "bad-code"); err == nil {
		t.Fatal("コード交換失敗でエラーが返らない")
	}
}

func TestHandleCallback_UserCreationFails_ReturnsError(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return plannerInfo(), nil
		},
	}
	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			return errors.New("db error")
		},
	}

	svc := NewService(provider, userRepo, &mockIdentityRepo{}, nil, ServiceConfig{SessionMaxAge: 86400})

	if _, err := svc.HandleCallback(context.Background(), "auth-code-3"); err == nil {
		t.Fatal("ユーザー作成失敗でエラーが返らない")
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	var deletedID string
	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			deletedID = id
			return nil
		},
	}

	svc := NewService(nil, nil, nil, sessionRepo, ServiceConfig{SessionMaxAge: 86400})

	if err := svc.Logout(context.Background(), "session-planner-1"); err != nil {
		t.Fatalf("Logoutに失敗: %v", err)
	}
	if deletedID != "session-planner-1" {
		t.Errorf("削除されたセッションID = %q, want %q", deletedID, "session-planner-1")
	}
}

func TestLogout_EmptySessionID_ReturnsError(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	if err := svc.Logout(context.Background(), ""); err == nil {
		t.Fatal("空のセッションIDでエラーが返らない")
	}
}

func TestGetCurrentUser_ValidSession_ReturnsUser(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{
				ID:        id,
				UserID:    "user-planner-1",
				ExpiresAt: time.Now().Add(1 * time.Hour),
			}, nil
		},
	}
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "planner@oryxa.example", Name: "Oryxa Planner"}, nil
		},
	}

	svc := NewService(nil, userRepo, nil, sessionRepo, ServiceConfig{SessionMaxAge: 86400})

	user, err := svc.GetCurrentUser(context.Background(), "session-planner-1")
	if err != nil {
		t.Fatalf("GetCurrentUserに失敗: %v", err)
	}
	if user.ID != "user-planner-1" {
		t.Errorf("user.ID = %q, want %q", user.ID, "user-planner-1")
	}
}

func TestGetCurrentUser_SessionMissingOrExpired_ReturnsError(t *testing.T) {
	// 期限切れセッションはリポジトリがnilを返す
	svc := NewService(nil, nil, nil, &mockSessionRepo{}, ServiceConfig{SessionMaxAge: 86400})

	if _, err := svc.GetCurrentUser(context.Background(), "expired-session"); err == nil {
		t.Fatal("期限切れセッションでエラーが返らない")
	}
}

func TestGetCurrentUser_EmptySessionID_ReturnsError(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, ServiceConfig{SessionMaxAge: 86400})

	if _, err := svc.GetCurrentUser(context.Background(), ""); err == nil {
		t.Fatal("空のセッションIDでエラーが返らない")
	}
}

func TestNewSessionToken_UniqueAndHexEncoded(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		token, err := newSessionToken()
		if err != nil {
			t.Fatalf("トークン生成に失敗: %v", err)
		}
		if len(token) != 64 {
			t.Fatalf("len(token) = %d, want 64", len(token))
		}
		if strings.ToLower(token) != token {
			t.Errorf("トークンが小文字hexでない: %q", token)
		}
		if seen[token] {
			t.Fatal("セッショントークンが重複した")
		}
		seen[token] = true
	}
}
