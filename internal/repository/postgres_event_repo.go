package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用したカレンダーイベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

const eventColumns = `id, owner_id, source, external_id, external_etag, title, description,
	        location, starts_at, ends_at, all_day, status, last_origin, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*model.CalendarEvent, error) {
	event := &model.CalendarEvent{}
	err := row.Scan(
		&event.ID, &event.OwnerID, &event.Source, &event.ExternalID, &event.ExternalEtag,
		&event.Title, &event.Description, &event.Location,
		&event.StartsAt, &event.EndsAt, &event.AllDay, &event.Status,
		&event.LastOrigin, &event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return event, nil
}

// FindByExternal はowner_id、source、external_idでイベントを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByExternal(ctx context.Context, ownerID string, source model.EventSource, externalID string) (*model.CalendarEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+`
		 FROM calendar_events
		 WHERE owner_id = $1 AND source = $2 AND external_id = $3`,
		ownerID, source, externalID,
	)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの検索に失敗しました: %w", err)
	}

	return event, nil
}

// Insert は新規イベントを作成する。
func (r *PostgresEventRepo) Insert(ctx context.Context, event *model.CalendarEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calendar_events
		    (id, owner_id, source, external_id, external_etag, title, description,
		     location, starts_at, ends_at, all_day, status, last_origin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		event.ID, event.OwnerID, event.Source, event.ExternalID, event.ExternalEtag,
		event.Title, event.Description, event.Location,
		event.StartsAt, event.EndsAt, event.AllDay, event.Status,
		event.LastOrigin, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存イベントを上書き更新する。履歴は保持しない。
func (r *PostgresEventRepo) Update(ctx context.Context, event *model.CalendarEvent) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_events SET
		    external_etag = $2, title = $3, description = $4, location = $5,
		    starts_at = $6, ends_at = $7, all_day = $8, status = $9,
		    last_origin = $10, updated_at = $11
		 WHERE id = $1`,
		event.ID, event.ExternalEtag, event.Title, event.Description, event.Location,
		event.StartsAt, event.EndsAt, event.AllDay, event.Status,
		event.LastOrigin, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByOwnerBetween は指定期間に開始するイベントをstarts_at昇順で返す。
func (r *PostgresEventRepo) ListByOwnerBetween(ctx context.Context, ownerID string, from, to time.Time) ([]*model.CalendarEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM calendar_events
		 WHERE owner_id = $1 AND starts_at >= $2 AND starts_at < $3
		 ORDER BY starts_at ASC`,
		ownerID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []*model.CalendarEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗しました: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベント一覧の走査に失敗しました: %w", err)
	}

	return events, nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
