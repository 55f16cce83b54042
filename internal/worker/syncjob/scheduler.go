// Package syncjob はカレンダー同期のバックグラウンド実行を提供する。
// スケジューラと障害時の指数バックオフ戦略を含む。
package syncjob

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/gcal"
	"github.com/hafizcsw/oryxa-sync/internal/model"
	"github.com/hafizcsw/oryxa-sync/internal/repository"
	syncengine "github.com/hafizcsw/oryxa-sync/internal/sync"
	"github.com/hafizcsw/oryxa-sync/internal/tokens"
)

// SyncRunner は1オーナー分の同期実行インターフェース。
type SyncRunner interface {
	// Run は指定オーナーのカレンダーを1回同期する。
	Run(ctx context.Context, ownerID string) (*syncengine.Result, error)
}

// accountFailure はアカウントごとの連続失敗回数と次回試行時刻を保持する。
// プロセス内のみで保持し、再起動でリセットされる。
type accountFailure struct {
	consecutiveErrors int
	nextAttemptAt     time.Time
}

// Scheduler はカレンダー同期のスケジューリングと並列制御を行う。
// 定期ティッカーで同期対象アカウントを取得し、
// semaphoreパターンで最大並列数を制御しながら同期を実行する。
type Scheduler struct {
	accountRepo    repository.AccountRepository
	runner         SyncRunner
	logger         *slog.Logger
	maxConcurrency int
	batchLimit     int

	failureMu sync.Mutex
	failures  map[string]*accountFailure // accountID -> 失敗状態
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10、
// batchLimitが0以下の場合はデフォルト値100を使用する。
func NewScheduler(
	accountRepo repository.AccountRepository,
	runner SyncRunner,
	logger *slog.Logger,
	maxConcurrency int,
	batchLimit int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &Scheduler{
		accountRepo:    accountRepo,
		runner:         runner,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchLimit:     batchLimit,
		failures:       make(map[string]*accountFailure),
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は同期対象アカウントを1回取得し、並列で同期を実行する。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	// 同期対象アカウントを取得（FOR UPDATE SKIP LOCKED）
	accounts, err := s.accountRepo.ListDueForSync(ctx, s.batchLimit)
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		s.logger.Info("同期対象のアカウントはありません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("account_count", len(accounts)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, account := range accounts {
		if !s.attemptAllowed(account.ID) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(a *model.ExternalAccount) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			s.syncAccount(ctx, a)
		}(account)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("account_count", len(accounts)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// syncAccount は1アカウント分の同期を実行し、結果に応じて失敗状態を更新する。
func (s *Scheduler) syncAccount(ctx context.Context, account *model.ExternalAccount) {
	result, err := s.runner.Run(ctx, account.OwnerID)
	if err == nil {
		s.clearFailure(account.ID)
		s.logger.Info("アカウントの同期が完了しました",
			slog.String("account_id", account.ID),
			slog.Int("added", result.Added),
			slog.Int("updated", result.Updated),
			slog.Int("conflicts", result.Conflicts),
			slog.Bool("incremental", result.Incremental),
		)
		return
	}

	// クールダウン中は失敗として扱わない（next_sync_afterが経過すれば再開する）
	var rateErr *syncengine.ErrRateLimited
	if errors.As(err, &rateErr) {
		s.logger.Info("アカウントはクールダウン中です",
			slog.String("account_id", account.ID),
			slog.Time("retry_after", rateErr.RetryAfter),
		)
		return
	}

	// 再認可が必要なプロバイダーエラーはアカウントをerrorに遷移させる
	var apiErr *gcal.APIError
	if errors.As(err, &apiErr) && ClassifyProviderStatus(apiErr.StatusCode) == SyncOutcomeReauth {
		s.logger.Warn("プロバイダーが認可エラーを返したためアカウントを停止します",
			slog.String("account_id", account.ID),
			slog.Int("provider_status", apiErr.StatusCode),
		)
		if err := s.accountRepo.UpdateStatus(ctx, account.ID, model.AccountStatusError); err != nil {
			s.logger.Error("アカウント状態の更新に失敗しました",
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()),
			)
		}
		s.clearFailure(account.ID)
		return
	}

	// リフレッシュトークン失効も再認可が必要
	if errors.Is(err, tokens.ErrRefreshFailed) {
		s.logger.Warn("トークンのリフレッシュに失敗したためアカウントを停止します",
			slog.String("account_id", account.ID),
		)
		if err := s.accountRepo.UpdateStatus(ctx, account.ID, model.AccountStatusError); err != nil {
			s.logger.Error("アカウント状態の更新に失敗しました",
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()),
			)
		}
		s.clearFailure(account.ID)
		return
	}

	// 一時的な失敗は指数バックオフで次回試行を遅らせる
	delay := s.recordFailure(account.ID)
	s.logger.Error("アカウントの同期に失敗しました",
		slog.String("account_id", account.ID),
		slog.String("error", err.Error()),
		slog.Duration("backoff", delay),
	)
}

// attemptAllowed はアカウントがバックオフ期間を経過しているかを確認する。
func (s *Scheduler) attemptAllowed(accountID string) bool {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()

	f, ok := s.failures[accountID]
	if !ok {
		return true
	}
	return !time.Now().Before(f.nextAttemptAt)
}

// recordFailure は連続失敗回数をインクリメントし、次回試行時刻を設定する。
// 適用されたバックオフ遅延を返す。
func (s *Scheduler) recordFailure(accountID string) time.Duration {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()

	f, ok := s.failures[accountID]
	if !ok {
		f = &accountFailure{}
		s.failures[accountID] = f
	}
	delay := CalculateBackoff(f.consecutiveErrors)
	f.consecutiveErrors++
	f.nextAttemptAt = time.Now().Add(delay)
	return delay
}

// clearFailure はアカウントの失敗状態をリセットする。
func (s *Scheduler) clearFailure(accountID string) {
	s.failureMu.Lock()
	defer s.failureMu.Unlock()
	delete(s.failures, accountID)
}
