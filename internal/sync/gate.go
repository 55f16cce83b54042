// Package sync はカレンダーの同期エンジンを提供する。
package sync

import (
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited はクールダウン中の同期要求を表す。
// RetryAfterは次に同期が許可される時刻。
type ErrRateLimited struct {
	RetryAfter time.Time
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("同期はクールダウン中です: retry_after=%s", e.RetryAfter.Format(time.RFC3339))
}

// gateEntry はオーナーごとの次回許可時刻とアクセス時刻を保持する。
type gateEntry struct {
	nextAllowedAt time.Time
	lastAccess    time.Time
}

// Gate は同期のクールダウンを管理するインプロセスキャッシュ。
// 永続化されたnext_sync_afterが真のソースであり、このキャッシュは
// アカウント読込前にプロバイダーI/Oなしで拒否するための前段にすぎない。
// エントリはバックグラウンドで定期的にクリーンアップされ、無制限には増えない。
type Gate struct {
	cooldown        time.Duration
	cleanupInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*gateEntry

	stopCh chan struct{}
	now    func() time.Time
}

// NewGate は新しいGateを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewGate(cooldown, cleanupInterval time.Duration) *Gate {
	g := &Gate{
		cooldown:        cooldown,
		cleanupInterval: cleanupInterval,
		entries:         make(map[string]*gateEntry),
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}

	go g.cleanupLoop()

	return g
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (g *Gate) Stop() {
	close(g.stopCh)
}

// Check はオーナーの同期が許可されているかを確認する。
// クールダウン中の場合は*ErrRateLimitedを返す。
func (g *Gate) Check(ownerID string) error {
	g.mu.RLock()
	entry, exists := g.entries[ownerID]
	g.mu.RUnlock()

	if !exists {
		return nil
	}

	now := g.now()

	g.mu.Lock()
	entry.lastAccess = now
	next := entry.nextAllowedAt
	g.mu.Unlock()

	if now.Before(next) {
		return &ErrRateLimited{RetryAfter: next}
	}
	return nil
}

// MarkSynced は同期完了を記録し、次回許可時刻を設定する。
func (g *Gate) MarkSynced(ownerID string, nextAllowedAt time.Time) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[ownerID] = &gateEntry{
		nextAllowedAt: nextAllowedAt,
		lastAccess:    now,
	}
}

// RecordDeadline は永続化されたnext_sync_afterをキャッシュに反映する。
// 永続ゲートで拒否された場合、次回以降はアカウント読込なしで拒否できる。
func (g *Gate) RecordDeadline(ownerID string, nextAllowedAt time.Time) {
	g.MarkSynced(ownerID, nextAllowedAt)
}

// EntryCount は現在管理されているエントリ数を返す。テストおよびメトリクス用。
func (g *Gate) EntryCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (g *Gate) cleanupLoop() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCh:
			return
		}
	}
}

// cleanup はクールダウンを過ぎてから一定時間アクセスのないエントリを削除する。
func (g *Gate) cleanup() {
	ttl := g.cooldown * 2
	if ttl < g.cleanupInterval {
		ttl = g.cleanupInterval
	}

	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for ownerID, entry := range g.entries {
		if now.After(entry.nextAllowedAt) && now.Sub(entry.lastAccess) > ttl {
			delete(g.entries, ownerID)
		}
	}
}
