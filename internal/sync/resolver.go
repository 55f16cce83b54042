package sync

import (
	"time"

	"github.com/hafizcsw/oryxa-sync/internal/model"
)

// ResolveAction はリモートイベント1件に対する処理の決定。
type ResolveAction int

const (
	// ActionInsert はローカルに存在しないため新規作成する。
	ActionInsert ResolveAction = iota
	// ActionUpdate はリモートの内容でローカルを上書きする。
	ActionUpdate
	// ActionSkipUnchanged はetagが一致し変更がないためスキップする。
	ActionSkipUnchanged
	// ActionSkipConflict はローカルの編集が新しいためスキップし、
	// 競合として監査ログに記録する。
	ActionSkipConflict
)

// Resolve はリモートイベントとローカルイベントからイベント単位の
// 競合解決を行う。フィールド単位のマージは行わず、イベント全体の
// last-write-winsで決定する。
//
//   - ローカルに存在しない → Insert
//   - ローカルの最終更新がプロバイダー由来 → etag一致ならスキップ、不一致なら上書き
//   - ローカルの最終更新がユーザーまたはAI由来 → ローカルのupdated_atが
//     リモートの更新時刻以上ならスキップ（競合記録）、古ければ上書き
func Resolve(local *model.CalendarEvent, remoteEtag string, remoteUpdated time.Time) ResolveAction {
	if local == nil {
		return ActionInsert
	}

	if local.LastOrigin == model.WriteOriginProvider {
		if local.ExternalEtag == remoteEtag {
			return ActionSkipUnchanged
		}
		return ActionUpdate
	}

	// ユーザーまたはAIによるローカル編集が残っている場合、
	// ローカルの方が新しいか同時刻なら保護する。
	if !local.UpdatedAt.Before(remoteUpdated) {
		return ActionSkipConflict
	}
	return ActionUpdate
}
