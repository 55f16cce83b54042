package ics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hafizcsw/oryxa-sync/internal/model"
	"github.com/hafizcsw/oryxa-sync/internal/repository"
	"github.com/hafizcsw/oryxa-sync/internal/security"
	syncengine "github.com/hafizcsw/oryxa-sync/internal/sync"
)

var (
	// ErrBlockedURL はSSRF防止によりURLが拒否されたことを表す。
	ErrBlockedURL = errors.New("URLがブロックされました")

	// ErrFetchFailed はICSフィードの取得に失敗したことを表す。
	ErrFetchFailed = errors.New("ICSフィードの取得に失敗しました")
)

// ImportResult はICSインポート1回の実行結果。
type ImportResult struct {
	Total     int
	Added     int
	Updated   int
	Skipped   int
	Conflicts int
}

// Importer はICSフィードの取り込みを担う。
type Importer struct {
	eventRepo repository.EventRepository
	auditRepo repository.AuditRepository
	guard     security.SSRFGuardService
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
	timeout   time.Duration
	maxSize   int64
	now       func() time.Time
}

// NewImporter はImporterを生成する。
// maxSizeはフィード1件あたりの最大バイト数。
func NewImporter(
	eventRepo repository.EventRepository,
	auditRepo repository.AuditRepository,
	guard security.SSRFGuardService,
	sanitizer security.ContentSanitizerService,
	timeout time.Duration,
	maxSize int64,
	logger *slog.Logger,
) *Importer {
	return &Importer{
		eventRepo: eventRepo,
		auditRepo: auditRepo,
		guard:     guard,
		sanitizer: sanitizer,
		logger:    logger,
		timeout:   timeout,
		maxSize:   maxSize,
		now:       time.Now,
	}
}

// Import は指定URLのICSフィードを取得し、イベントをローカルに取り込む。
// イベントは(owner_id, source=ics, UID)をキーに冪等にアップサートされる。
// ユーザーまたはAIが編集したローカルイベントは上書きせず競合として記録する。
func (im *Importer) Import(ctx context.Context, ownerID, rawURL string) (*ImportResult, error) {
	if err := im.guard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}

	events, err := im.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Total: len(events)}
	for i := range events {
		if err := im.applyEvent(ctx, ownerID, &events[i], result); err != nil {
			return nil, err
		}
	}

	im.appendAudit(ctx, ownerID, map[string]any{
		"url":       rawURL,
		"total":     result.Total,
		"added":     result.Added,
		"updated":   result.Updated,
		"skipped":   result.Skipped,
		"conflicts": result.Conflicts,
	})

	im.logger.Info("ICSフィードを取り込みました",
		slog.String("owner_id", ownerID),
		slog.Int("total", result.Total),
		slog.Int("added", result.Added),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.Int("conflicts", result.Conflicts),
	)

	return result, nil
}

// fetch はSSRF防止付きクライアントでICSフィードを取得してパースする。
func (im *Importer) fetch(ctx context.Context, rawURL string) ([]VEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "text/calendar")

	client := im.guard.NewSafeClient(im.timeout, im.maxSize)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: ステータス %d", ErrFetchFailed, resp.StatusCode)
	}

	// サイズ上限を超えたフィードは途中で切らずエラーにする
	body, err := io.ReadAll(io.LimitReader(resp.Body, im.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if int64(len(body)) > im.maxSize {
		return nil, fmt.Errorf("%w: フィードサイズが上限 %d バイトを超えています", ErrFetchFailed, im.maxSize)
	}

	return Parse(bytes.NewReader(body))
}

// applyEvent はパース済みVEVENT1件をローカルに反映する。
func (im *Importer) applyEvent(ctx context.Context, ownerID string, v *VEvent, result *ImportResult) error {
	local, err := im.eventRepo.FindByExternal(ctx, ownerID, model.EventSourceICS, v.UID)
	if err != nil {
		return fmt.Errorf("ローカルイベントの検索に失敗しました: %w", err)
	}

	changeTag := im.changeTag(v)
	updatedAt := v.LastModified
	if updatedAt.IsZero() {
		updatedAt = im.now()
	}

	switch syncengine.Resolve(local, changeTag, updatedAt) {
	case syncengine.ActionSkipUnchanged:
		result.Skipped++
		return nil

	case syncengine.ActionSkipConflict:
		result.Conflicts++
		im.appendConflictAudit(ctx, ownerID, local, v)
		return nil

	case syncengine.ActionInsert:
		event := im.buildEvent(ownerID, v, changeTag, updatedAt)
		event.ID = uuid.New().String()
		event.CreatedAt = im.now()
		if err := im.eventRepo.Insert(ctx, event); err != nil {
			return fmt.Errorf("イベントの作成に失敗しました: %w", err)
		}
		result.Added++
		return nil

	case syncengine.ActionUpdate:
		event := im.buildEvent(ownerID, v, changeTag, updatedAt)
		event.ID = local.ID
		event.CreatedAt = local.CreatedAt
		if err := im.eventRepo.Update(ctx, event); err != nil {
			return fmt.Errorf("イベントの更新に失敗しました: %w", err)
		}
		result.Updated++
		return nil
	}

	return nil
}

// changeTag はイベントの変更検出用タグを返す。
// LAST-MODIFIEDがあればそれを使い、無ければ内容のハッシュで代用する。
func (im *Importer) changeTag(v *VEvent) string {
	if !v.LastModified.IsZero() {
		return v.LastModified.UTC().Format(time.RFC3339)
	}
	h := sha256.New()
	io.WriteString(h, v.Summary)
	io.WriteString(h, "\x00")
	io.WriteString(h, v.Description)
	io.WriteString(h, "\x00")
	io.WriteString(h, v.Location)
	io.WriteString(h, "\x00")
	io.WriteString(h, v.Status)
	io.WriteString(h, "\x00")
	io.WriteString(h, v.StartsAt.UTC().Format(time.RFC3339))
	io.WriteString(h, "\x00")
	io.WriteString(h, v.EndsAt.UTC().Format(time.RFC3339))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// buildEvent はVEVENTからローカル表現を構築する。
func (im *Importer) buildEvent(ownerID string, v *VEvent, changeTag string, updatedAt time.Time) *model.CalendarEvent {
	status := v.Status
	if status == "" {
		status = "confirmed"
	}
	return &model.CalendarEvent{
		OwnerID:      ownerID,
		Source:       model.EventSourceICS,
		ExternalID:   v.UID,
		ExternalEtag: changeTag,
		Title:        im.sanitizer.Sanitize(v.Summary),
		Description:  im.sanitizer.Sanitize(v.Description),
		Location:     im.sanitizer.Sanitize(v.Location),
		StartsAt:     v.StartsAt,
		EndsAt:       v.EndsAt,
		AllDay:       v.AllDay,
		Status:       status,
		LastOrigin:   model.WriteOriginProvider,
		UpdatedAt:    updatedAt,
	}
}

// appendConflictAudit はローカル編集保護による競合を監査ログに記録する。
func (im *Importer) appendConflictAudit(ctx context.Context, ownerID string, local *model.CalendarEvent, v *VEvent) {
	if err := im.auditRepo.Append(ctx, model.NewAuditEntry(ownerID, model.AuditSyncConflict, map[string]any{
		"event_id":     local.ID,
		"external_id":  v.UID,
		"source":       string(model.EventSourceICS),
		"local_origin": string(local.LastOrigin),
	})); err != nil {
		im.logger.Error("監査ログの追記に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
}

// appendAudit はインポート完了の監査エントリを追記する。
func (im *Importer) appendAudit(ctx context.Context, ownerID string, metadata map[string]any) {
	if err := im.auditRepo.Append(ctx, model.NewAuditEntry(ownerID, model.AuditICSImported, metadata)); err != nil {
		im.logger.Error("監査ログの追記に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
}
