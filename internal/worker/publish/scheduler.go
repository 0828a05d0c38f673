// Package publish は承認済み記事のスケジューリングとMastodon投稿を提供する。
// スケジューラ、ポスター、リトライ/バックオフ戦略を含む。
package publish

import (
	"context"
	"log/slog"
	"time"
)

// PostCycleRunner は投稿サイクルの実行インターフェース。
type PostCycleRunner interface {
	// RunOnce はスケジューリングと投稿を1サイクル実行する。
	RunOnce(ctx context.Context) error
}

// Scheduler は投稿サイクルを定期実行する。
// 投稿は順序性が重要なため並列化せず、1サイクルずつ直列に実行する。
type Scheduler struct {
	runner PostCycleRunner
	logger *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(runner PostCycleRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		logger: logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("投稿スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := s.runner.RunOnce(ctx); err != nil {
		s.logger.Error("投稿サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("投稿スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.runner.RunOnce(ctx); err != nil {
				s.logger.Error("投稿サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
