package handler

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hafizcsw/oryxa-sync/internal/connect"
	"github.com/hafizcsw/oryxa-sync/internal/middleware"
	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// ConnectServiceInterface はカレンダー接続ハンドラーが必要とするサービスインターフェース。
type ConnectServiceInterface interface {
	// Initiate はOAuth認可フローを開始し、認可URLを返す。
	Initiate(ctx context.Context, ownerID string) (string, error)
	// Complete はOAuthコールバックを処理してアカウントを接続する。
	Complete(ctx context.Context, code, state string) error
}

// ConnectHandler は外部カレンダー接続のHTTPハンドラー。
type ConnectHandler struct {
	service ConnectServiceInterface
}

// NewConnectHandler はConnectHandlerを生成する。
func NewConnectHandler(service ConnectServiceInterface) *ConnectHandler {
	return &ConnectHandler{service: service}
}

// connectResponse は接続開始のAPIレスポンス。
type connectResponse struct {
	OK  bool   `json:"ok"`
	URL string `json:"url"`
}

// Connect はGoogleカレンダーの接続フローを開始する。
// GET /api/calendar/connect
func (h *ConnectHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeUnauthorized,
			Message:  "認証が必要です。",
			Category: "auth",
			Action:   "ログインしてください。",
		})
		return
	}

	authURL, err := h.service.Initiate(r.Context(), ownerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(connectResponse{OK: true, URL: authURL})
}

// callbackPage はOAuthコールバック後にポップアップを閉じる最小限のHTMLページ。
// stateはDB上のトランザクションで検証されるため、このページ自体は
// セッションに依存しない。
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>カレンダー接続</title></head>
<body>
<p>{{.Message}}</p>
<script>
if (window.opener) {
  window.opener.postMessage({type: "calendar-connect", ok: {{.OK}}}, "*");
  window.close();
}
</script>
</body>
</html>
`))

// Callback はGoogleカレンダー接続のOAuthコールバックを処理する。
// GET /calendar/oauth/callback?code=xxx&state=yyy
// 失敗時もHTMLページを返す（ポップアップ内で表示されるため）。
func (h *ConnectHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// ユーザーが認可を拒否した場合などはerrorパラメータが付く
	if errParam := query.Get("error"); errParam != "" {
		slog.Warn("OAuth認可が拒否されました", slog.String("error", errParam))
		h.renderCallback(w, http.StatusBadRequest, false, "カレンダーの接続がキャンセルされました。")
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.renderCallback(w, http.StatusBadRequest, false, "認可パラメータが不足しています。")
		return
	}

	if err := h.service.Complete(r.Context(), code, state); err != nil {
		switch {
		case errors.Is(err, connect.ErrInvalidState):
			h.renderCallback(w, http.StatusBadRequest, false, "認可リクエストを確認できませんでした。接続をやり直してください。")
		case errors.Is(err, connect.ErrTokenExchangeFailed):
			h.renderCallback(w, http.StatusBadGateway, false, "Googleからのトークン取得に失敗しました。接続をやり直してください。")
		default:
			slog.Error("カレンダー接続の完了に失敗しました", slog.String("error", err.Error()))
			h.renderCallback(w, http.StatusInternalServerError, false, "カレンダーの接続に失敗しました。")
		}
		return
	}

	h.renderCallback(w, http.StatusOK, true, "カレンダーを接続しました。このウィンドウは自動的に閉じます。")
}

// renderCallback はポップアップ終了用のHTMLページを書き込む。
func (h *ConnectHandler) renderCallback(w http.ResponseWriter, statusCode int, ok bool, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := callbackPage.Execute(w, struct {
		OK      bool
		Message string
	}{OK: ok, Message: message}); err != nil {
		slog.Error("コールバックページの描画に失敗しました", slog.String("error", err.Error()))
	}
}
