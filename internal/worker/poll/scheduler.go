// Package poll はフィードのバックグラウンドポーリング処理を提供する。
// スケジューラとポーラー（フェッチ・パース・取り込み）を含む。
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FeedPollerService はフィードポーリングの実行インターフェース。
type FeedPollerService interface {
	// Poll は指定フィードをフェッチし、新規記事を取り込む。
	Poll(ctx context.Context, feedURL string) error
}

// Scheduler は設定されたフィード群のポーリングを定期実行する。
// semaphoreパターンで最大並列数を制御しながら各フィードをポーリングする。
type Scheduler struct {
	feedURLs       []string
	poller         FeedPollerService
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewScheduler(
	feedURLs []string,
	poller FeedPollerService,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Scheduler{
		feedURLs:       feedURLs,
		poller:         poller,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ポーリングスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("feed_count", len(s.feedURLs)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ポーリングスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は全フィードを1回ポーリングする。
// 個別フィードの失敗はログに残して継続し、サイクル全体は止めない。
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, feedURL := range s.feedURLs {
		wg.Add(1)
		sem <- struct{}{}

		go func(u string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.poller.Poll(ctx, u); err != nil {
				s.logger.Error("フィードポーリングに失敗しました",
					slog.String("feed_url", u),
					slog.String("error", err.Error()),
				)
			}
		}(feedURL)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("ポーリングサイクルが完了しました",
		slog.Int("feed_count", len(s.feedURLs)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}
