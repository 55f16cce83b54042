package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hafizcsw/oryxa-sync/internal/gcal"
	"github.com/hafizcsw/oryxa-sync/internal/model"
	"github.com/hafizcsw/oryxa-sync/internal/repository"
	"github.com/hafizcsw/oryxa-sync/internal/tokens"
)

// TokenProvider は有効なアクセストークンの提供インターフェース。
type TokenProvider interface {
	TokenForAccount(ctx context.Context, account *model.ExternalAccount) (string, error)
}

// EventsLister はプロバイダーのイベント一覧取得インターフェース。
type EventsLister interface {
	ListEvents(ctx context.Context, accessToken string, q gcal.ListQuery) (*gcal.EventsPage, error)
}

// ConflictNotifier は同期成功後の競合チェック通知インターフェース。
type ConflictNotifier interface {
	Notify(ctx context.Context, ownerID string) error
}

// TextSanitizer はプロバイダー由来のテキストの無害化インターフェース。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// MetricsRecorder は同期メトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordSync(result string, duration time.Duration)
	RecordEventsUpserted(added, updated int)
	RecordConflicts(n int)
	RecordProviderStatus(statusCode int)
}

// Result は同期1回の実行結果。
type Result struct {
	Added       int
	Updated     int
	Skipped     int
	Conflicts   int
	Incremental bool
	Reset       bool
	Duration    time.Duration
}

// Config は同期エンジンの設定。
type Config struct {
	Cooldown     time.Duration // 同期完了後の最小再実行間隔
	WindowPast   time.Duration // フル同期の過去方向の範囲
	WindowFuture time.Duration // フル同期の未来方向の範囲
}

// Engine はカレンダー同期の1回分の実行を担う。
type Engine struct {
	config      Config
	accountRepo repository.AccountRepository
	eventRepo   repository.EventRepository
	auditRepo   repository.AuditRepository
	gate        *Gate
	tokens      TokenProvider
	client      EventsLister
	notifier    ConflictNotifier // nilの場合は通知しない
	sanitizer   TextSanitizer
	metrics     MetricsRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine はEngineを生成する。
func NewEngine(
	config Config,
	accountRepo repository.AccountRepository,
	eventRepo repository.EventRepository,
	auditRepo repository.AuditRepository,
	gate *Gate,
	tokenProvider TokenProvider,
	client EventsLister,
	notifier ConflictNotifier,
	sanitizer TextSanitizer,
	metrics MetricsRecorder,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		config:      config,
		accountRepo: accountRepo,
		eventRepo:   eventRepo,
		auditRepo:   auditRepo,
		gate:        gate,
		tokens:      tokenProvider,
		client:      client,
		notifier:    notifier,
		sanitizer:   sanitizer,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Run は指定オーナーのカレンダーを1回同期する。
// 実行順序: インプロセスゲート → アカウント読込 → 永続ゲート →
// トークン取得 → ページループ。
func (e *Engine) Run(ctx context.Context, ownerID string) (*Result, error) {
	start := e.now()

	// 前段ゲート: プロバイダーにもDBにも触らず拒否できる場合
	if err := e.gate.Check(ownerID); err != nil {
		return nil, err
	}

	account, err := e.accountRepo.FindByOwnerAndProvider(ctx, ownerID, "google")
	if err != nil {
		return nil, fmt.Errorf("外部アカウントの取得に失敗しました: %w", err)
	}
	if account == nil || account.Status == model.AccountStatusPending {
		return nil, tokens.ErrNotConnected
	}

	// 永続ゲート: next_sync_afterが真のソース
	if account.NextSyncAfter != nil && e.now().Before(*account.NextSyncAfter) {
		e.gate.RecordDeadline(ownerID, *account.NextSyncAfter)
		return nil, &ErrRateLimited{RetryAfter: *account.NextSyncAfter}
	}

	accessToken, err := e.tokens.TokenForAccount(ctx, account)
	if err != nil {
		e.recordFailure(ctx, ownerID, "token", err)
		return nil, err
	}

	result := &Result{Incremental: account.SyncCursor != ""}

	query := gcal.ListQuery{
		CalendarID: account.CalendarID,
		SyncToken:  account.SyncCursor,
	}
	if query.SyncToken == "" {
		now := e.now()
		query.TimeMin = now.Add(-e.config.WindowPast)
		query.TimeMax = now.Add(e.config.WindowFuture)
	}

	newCursor := account.SyncCursor

	for {
		page, err := e.client.ListEvents(ctx, accessToken, query)
		if err != nil {
			if errors.Is(err, gcal.ErrSyncTokenExpired) {
				if e.metrics != nil {
					e.metrics.RecordProviderStatus(http.StatusGone)
				}
				return e.handleCursorExpired(ctx, account, result, start)
			}
			var apiErr *gcal.APIError
			if e.metrics != nil && errors.As(err, &apiErr) {
				e.metrics.RecordProviderStatus(apiErr.StatusCode)
			}
			e.recordFailure(ctx, ownerID, "provider", err)
			return nil, fmt.Errorf("プロバイダーからのイベント取得に失敗しました: %w", err)
		}

		for i := range page.Items {
			if err := e.applyRemoteEvent(ctx, account, &page.Items[i], result); err != nil {
				e.recordFailure(ctx, ownerID, "store", err)
				return nil, err
			}
		}

		if page.NextSyncToken != "" {
			newCursor = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		query.PageToken = page.NextPageToken
	}

	now := e.now()
	nextSyncAfter := now.Add(e.config.Cooldown)
	if err := e.accountRepo.UpdateSyncState(ctx, account.ID, newCursor, now, nextSyncAfter, model.AccountStatusConnected); err != nil {
		return nil, fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	e.gate.MarkSynced(ownerID, nextSyncAfter)

	result.Duration = e.now().Sub(start)

	e.appendAudit(ctx, ownerID, model.AuditSyncSucceeded, map[string]any{
		"added":       result.Added,
		"updated":     result.Updated,
		"skipped":     result.Skipped,
		"conflicts":   result.Conflicts,
		"incremental": result.Incremental,
	})

	if e.metrics != nil {
		e.metrics.RecordSync("success", result.Duration)
		e.metrics.RecordEventsUpserted(result.Added, result.Updated)
		e.metrics.RecordConflicts(result.Conflicts)
		e.metrics.RecordProviderStatus(http.StatusOK)
	}

	e.logger.Info("カレンダー同期が完了しました",
		slog.String("owner_id", ownerID),
		slog.Int("added", result.Added),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.Int("conflicts", result.Conflicts),
		slog.Bool("incremental", result.Incremental),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)

	// 同期成功後の競合チェックは投げっぱなし。失敗しても同期結果には影響しない。
	e.triggerConflictCheck(ownerID)

	return result, nil
}

// handleCursorExpired はプロバイダーのカーソル失効（410）を処理する。
// カーソルをクリアしてstatusをsync_resetにし、即座に正常終了する。
// このリクエスト内でのフル再同期は行わない。
func (e *Engine) handleCursorExpired(ctx context.Context, account *model.ExternalAccount, result *Result, start time.Time) (*Result, error) {
	if err := e.accountRepo.ResetCursor(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("同期カーソルのリセットに失敗しました: %w", err)
	}

	e.appendAudit(ctx, account.OwnerID, model.AuditSyncReset, map[string]any{
		"provider": account.Provider,
	})

	if e.metrics != nil {
		e.metrics.RecordSync("reset", e.now().Sub(start))
	}

	e.logger.Warn("同期カーソルが失効したためリセットしました",
		slog.String("owner_id", account.OwnerID),
		slog.String("provider", account.Provider),
	)

	result.Reset = true
	result.Duration = e.now().Sub(start)
	return result, nil
}

// applyRemoteEvent はリモートイベント1件を競合解決してローカルに反映する。
func (e *Engine) applyRemoteEvent(ctx context.Context, account *model.ExternalAccount, remote *gcal.Event, result *Result) error {
	local, err := e.eventRepo.FindByExternal(ctx, account.OwnerID, model.EventSourceProvider, remote.ID)
	if err != nil {
		return fmt.Errorf("ローカルイベントの検索に失敗しました: %w", err)
	}

	// ローカルに存在しないキャンセル済みイベントは反映する対象がない
	if local == nil && remote.Status == "cancelled" {
		result.Skipped++
		return nil
	}

	action := Resolve(local, remote.Etag, remote.UpdatedTime())

	switch action {
	case ActionSkipUnchanged:
		result.Skipped++
		return nil

	case ActionSkipConflict:
		result.Conflicts++
		e.appendAudit(ctx, account.OwnerID, model.AuditSyncConflict, map[string]any{
			"event_id":       local.ID,
			"external_id":    remote.ID,
			"local_origin":   string(local.LastOrigin),
			"local_updated":  local.UpdatedAt.Format(time.RFC3339),
			"remote_updated": remote.Updated,
		})
		return nil

	case ActionInsert:
		event, err := e.buildEvent(account.OwnerID, remote)
		if err != nil {
			// 時刻が解決できないイベントは取り込まない
			e.logger.Warn("イベントの時刻を解決できないためスキップします",
				slog.String("owner_id", account.OwnerID),
				slog.String("external_id", remote.ID),
				slog.String("error", err.Error()),
			)
			result.Skipped++
			return nil
		}
		event.ID = uuid.New().String()
		event.CreatedAt = e.now()
		if err := e.eventRepo.Insert(ctx, event); err != nil {
			return fmt.Errorf("イベントの作成に失敗しました: %w", err)
		}
		result.Added++
		return nil

	case ActionUpdate:
		event, err := e.buildEvent(account.OwnerID, remote)
		if err != nil {
			e.logger.Warn("イベントの時刻を解決できないためスキップします",
				slog.String("owner_id", account.OwnerID),
				slog.String("external_id", remote.ID),
				slog.String("error", err.Error()),
			)
			result.Skipped++
			return nil
		}
		event.ID = local.ID
		event.CreatedAt = local.CreatedAt
		if err := e.eventRepo.Update(ctx, event); err != nil {
			return fmt.Errorf("イベントの更新に失敗しました: %w", err)
		}
		result.Updated++
		return nil
	}

	return nil
}

// buildEvent はリモートイベントからローカル表現を構築する。
// テキストフィールドは保存前に無害化される。
func (e *Engine) buildEvent(ownerID string, remote *gcal.Event) (*model.CalendarEvent, error) {
	startsAt, allDay, err := remote.Start.Resolve()
	if err != nil {
		return nil, err
	}

	endsAt, _, err := remote.End.Resolve()
	if err != nil {
		// 終了時刻が欠けている場合は開始時刻に合わせる
		endsAt = startsAt
	}

	status := remote.Status
	if status == "" {
		status = "confirmed"
	}

	updatedAt := remote.UpdatedTime()
	if updatedAt.IsZero() {
		updatedAt = e.now()
	}

	return &model.CalendarEvent{
		OwnerID:      ownerID,
		Source:       model.EventSourceProvider,
		ExternalID:   remote.ID,
		ExternalEtag: remote.Etag,
		Title:        e.sanitizer.Sanitize(remote.Summary),
		Description:  e.sanitizer.Sanitize(remote.Description),
		Location:     e.sanitizer.Sanitize(remote.Location),
		StartsAt:     startsAt,
		EndsAt:       endsAt,
		AllDay:       allDay,
		Status:       status,
		LastOrigin:   model.WriteOriginProvider,
		UpdatedAt:    updatedAt,
	}, nil
}

// triggerConflictCheck は競合チェックを投げっぱなしで起動する。
func (e *Engine) triggerConflictCheck(ownerID string) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, ownerID); err != nil {
			e.logger.Warn("競合チェックの通知に失敗しました",
				slog.String("owner_id", ownerID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// recordFailure は同期失敗を監査ログとメトリクスに記録する。
func (e *Engine) recordFailure(ctx context.Context, ownerID, stage string, cause error) {
	e.appendAudit(ctx, ownerID, model.AuditSyncFailed, map[string]any{
		"stage": stage,
		"error": cause.Error(),
	})
	if e.metrics != nil {
		e.metrics.RecordSync("failure", 0)
	}
}

// appendAudit は監査エントリを追記する。失敗してもログに残すのみ。
func (e *Engine) appendAudit(ctx context.Context, ownerID, kind string, metadata map[string]any) {
	if err := e.auditRepo.Append(ctx, model.NewAuditEntry(ownerID, kind, metadata)); err != nil {
		e.logger.Error("監査ログの追記に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}
