// Package model はドメインモデルを定義する。
package model

import "time"

// EventSource はイベントの出自を表す。
type EventSource string

const (
	// EventSourceLocal はこのアプリ内で作成されたイベント。
	EventSourceLocal EventSource = "local"
	// EventSourceProvider は外部カレンダープロバイダー由来のイベント。
	EventSourceProvider EventSource = "provider"
	// EventSourceICS はICSフィードから取り込まれたイベント。
	EventSourceICS EventSource = "ics"
)

// WriteOrigin はイベントを最後に更新した主体を表す。
// 同期時の競合解決の優先順位判定に使用する。
type WriteOrigin string

const (
	// WriteOriginUser はエンドユーザーによる更新。
	WriteOriginUser WriteOrigin = "user"
	// WriteOriginProvider は外部プロバイダーからの同期による更新。
	WriteOriginProvider WriteOrigin = "provider"
	// WriteOriginAI はAIエージェントによる更新。
	WriteOriginAI WriteOrigin = "ai"
)

// CalendarEvent はローカルに保持するカレンダーイベントを表す。
// ユーザー作成イベントと外部プロバイダーのミラーの両方を含む。
// source=provider の行では (owner_id, source, external_id) が一意。
type CalendarEvent struct {
	ID           string
	OwnerID      string
	Source       EventSource
	ExternalID   string // プロバイダー側のイベントID。ローカル作成の場合は空
	ExternalEtag string // プロバイダー発行の変更タグ。無変更更新の検出に使用
	Title        string
	Description  string
	Location     string
	StartsAt     time.Time
	EndsAt       time.Time
	AllDay       bool
	Status       string // "confirmed", "tentative", "cancelled" 等
	LastOrigin   WriteOrigin
	UpdatedAt    time.Time
	CreatedAt    time.Time
}
