package sync

import (
	"testing"
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

func TestResolve(t *testing.T) {
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		local         *model.CalendarEvent
		remoteEtag    string
		remoteUpdated time.Time
		want          ResolveAction
	}{
		{
			name:          "ローカルに存在しない場合は新規作成",
			local:         nil,
			remoteEtag:    `"etag-1"`,
			remoteUpdated: base,
			want:          ActionInsert,
		},
		{
			name: "プロバイダー由来でetag一致ならスキップ",
			local: &model.CalendarEvent{
				LastOrigin:   model.WriteOriginProvider,
				ExternalEtag: `"etag-1"`,
				UpdatedAt:    base,
			},
			remoteEtag:    `"etag-1"`,
			remoteUpdated: base.Add(time.Hour),
			want:          ActionSkipUnchanged,
		},
		{
			name: "プロバイダー由来でetag不一致なら上書き",
			local: &model.CalendarEvent{
				LastOrigin:   model.WriteOriginProvider,
				ExternalEtag: `"etag-1"`,
				UpdatedAt:    base,
			},
			remoteEtag:    `"etag-2"`,
			remoteUpdated: base.Add(time.Hour),
			want:          ActionUpdate,
		},
		{
			name: "ユーザー編集が新しい場合は保護",
			local: &model.CalendarEvent{
				LastOrigin: model.WriteOriginUser,
				UpdatedAt:  base.Add(time.Hour),
			},
			remoteEtag:    `"etag-2"`,
			remoteUpdated: base,
			want:          ActionSkipConflict,
		},
		{
			name: "ユーザー編集とリモートが同時刻の場合も保護",
			local: &model.CalendarEvent{
				LastOrigin: model.WriteOriginUser,
				UpdatedAt:  base,
			},
			remoteEtag:    `"etag-2"`,
			remoteUpdated: base,
			want:          ActionSkipConflict,
		},
		{
			name: "ユーザー編集よりリモートが新しい場合は上書き",
			local: &model.CalendarEvent{
				LastOrigin: model.WriteOriginUser,
				UpdatedAt:  base,
			},
			remoteEtag:    `"etag-2"`,
			remoteUpdated: base.Add(time.Hour),
			want:          ActionUpdate,
		},
		{
			name: "AI編集が新しい場合も保護",
			local: &model.CalendarEvent{
				LastOrigin: model.WriteOriginAI,
				UpdatedAt:  base.Add(time.Minute),
			},
			remoteEtag:    `"etag-2"`,
			remoteUpdated: base,
			want:          ActionSkipConflict,
		},
		{
			name: "AI編集よりリモートが新しい場合は上書き",
			local: &model.CalendarEvent{
				LastOrigin: model.WriteOriginAI,
				UpdatedAt:  base,
			},
			remoteEtag:    `"etag-2"`,
			remoteUpdated: base.Add(time.Minute),
			want:          ActionUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.local, tt.remoteEtag, tt.remoteUpdated)
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}
