// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// TTLを超過したOAuth認可トランザクションと、保持期間（デフォルト180日）を
// 超過した監査ログを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/repository"
)

// CleanupJob は期限切れデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	txRepo    repository.TransactionRepository
	auditRepo repository.AuditRepository
	logger    *slog.Logger

	TransactionTTL     time.Duration // OAuthトランザクションの有効期間（デフォルト: 10分）
	AuditRetentionDays int           // 監査ログの保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトのトランザクションTTLは10分、監査ログの保持日数は180日。
func NewCleanupJob(txRepo repository.TransactionRepository, auditRepo repository.AuditRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		txRepo:             txRepo,
		auditRepo:          auditRepo,
		logger:             logger,
		TransactionTTL:     10 * time.Minute,
		AuditRetentionDays: 180,
	}
}

// Run は期限切れのOAuthトランザクションと古い監査ログを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	txCount, err := j.txRepo.DeleteExpired(ctx, time.Now().Add(-j.TransactionTTL))
	if err != nil {
		j.logger.Error("OAuthトランザクションのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("OAuthトランザクションのクリーンアップに失敗: %w", err)
	}

	auditBefore := time.Now().AddDate(0, 0, -j.AuditRetentionDays)
	auditCount, err := j.auditRepo.DeleteOlderThan(ctx, auditBefore)
	if err != nil {
		j.logger.Error("監査ログのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.AuditRetentionDays),
		)
		return fmt.Errorf("監査ログのクリーンアップに失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_transactions", txCount),
		slog.Int64("deleted_audit_entries", auditCount),
		slog.Int("retention_days", j.AuditRetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
