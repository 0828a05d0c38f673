package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/fedipost/internal/mastodon"
	"github.com/hitoshi/fedipost/internal/metrics"
	"github.com/hitoshi/fedipost/internal/model"
	"github.com/hitoshi/fedipost/internal/repository"
)

// StatusPoster はMastodonへのステータス投稿インターフェース。
type StatusPoster interface {
	// PostStatus はステータスを投稿し、外部投稿IDを返す。
	PostStatus(ctx context.Context, status string) (string, error)
}

// Poster は承認済み記事のスケジューリングと投稿を行う。
// 1サイクルは2フェーズで構成される:
// approvedへの投稿時刻の割り当てと、期限を迎えたscheduledの投稿実行。
type Poster struct {
	articles       repository.ArticleRepository
	statusPoster   StatusPoster
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	minSpacing     time.Duration
	backoffBase    time.Duration
	maxAttempts    int
	charLimit      int
	publishTimeout time.Duration
	now            func() time.Time
}

// NewPoster はPosterの新しいインスタンスを生成する。
func NewPoster(
	articles repository.ArticleRepository,
	statusPoster StatusPoster,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	minSpacing time.Duration,
	backoffBase time.Duration,
	maxAttempts int,
	charLimit int,
	publishTimeout time.Duration,
) *Poster {
	return &Poster{
		articles:       articles,
		statusPoster:   statusPoster,
		collector:      collector,
		logger:         logger,
		minSpacing:     minSpacing,
		backoffBase:    backoffBase,
		maxAttempts:    maxAttempts,
		charLimit:      charLimit,
		publishTimeout: publishTimeout,
		now:            time.Now,
	}
}

// RunOnce は投稿サイクルを1回実行する。
func (p *Poster) RunOnce(ctx context.Context) error {
	if err := p.scheduleApproved(ctx); err != nil {
		return err
	}
	return p.publishDue(ctx)
}

// scheduleApproved は承認済み記事に投稿時刻を割り当てる。
// 既存の最終スケジュール時刻から最小間隔を空けて順に配置することで、
// まとめて承認された記事が一斉に投稿されるのを防ぐ。
func (p *Poster) scheduleApproved(ctx context.Context) error {
	approved, err := p.articles.ListByStatus(ctx, model.StatusApproved, 0)
	if err != nil {
		return err
	}
	if len(approved) == 0 {
		return nil
	}

	latest, err := p.articles.LatestScheduledFor(ctx)
	if err != nil {
		return err
	}

	for _, article := range approved {
		now := p.now()
		slot := now
		if latest != nil && latest.Add(p.minSpacing).After(now) {
			slot = latest.Add(p.minSpacing)
		}

		scheduledFor := slot
		_, err := p.articles.CompareAndTransition(ctx, article.ID,
			model.StatusApproved, model.StatusScheduled,
			func(a *model.Article) {
				a.ScheduledFor = &scheduledFor
			})
		if err != nil {
			var stale *model.StaleStateError
			if errors.As(err, &stale) {
				// 別のアクターが先に動かした。このサイクルではスキップする。
				continue
			}
			p.logger.Error("投稿時刻の割り当てに失敗しました",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		latest = &scheduledFor
		p.logger.Info("投稿時刻を割り当てました",
			slog.String("article_id", article.ID),
			slog.Time("scheduled_for", scheduledFor),
		)
	}

	return nil
}

// publishDue は期限を迎えたscheduled記事を順に投稿する。
func (p *Poster) publishDue(ctx context.Context) error {
	due, err := p.articles.ListDueForPublish(ctx, p.now(), 0)
	if err != nil {
		return err
	}

	for _, article := range due {
		p.publishOne(ctx, article)
	}

	return nil
}

// publishOne は1記事の投稿を試行し、結果に応じて状態を遷移させる。
func (p *Poster) publishOne(ctx context.Context, article *model.Article) {
	// 冪等ガード: 外部投稿IDが既にあれば投稿は完了している。
	// 投稿成功後のposted遷移だけが失敗したケースをここで回収する。
	if article.ExternalPostID != "" {
		p.finishAsPosted(ctx, article.ID, article.ExternalPostID)
		return
	}

	// 試行回数は外部呼び出しの前に記録する。
	// クラッシュしても試行済みであることが失われない。
	claimed, err := p.articles.CompareAndTransition(ctx, article.ID,
		model.StatusScheduled, model.StatusScheduled,
		func(a *model.Article) {
			a.PublishAttempts++
		})
	if err != nil {
		var stale *model.StaleStateError
		if errors.As(err, &stale) {
			// 別のポスター実行が先に処理した
			return
		}
		p.logger.Error("試行回数の記録に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	status := mastodon.ComposeStatus(claimed, p.charLimit)

	postCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	start := p.now()
	externalID, err := p.statusPoster.PostStatus(postCtx, status)
	p.collector.RecordPublishLatency(time.Since(start))

	if err != nil {
		p.handlePublishFailure(ctx, claimed, err)
		return
	}

	p.collector.RecordPublishSuccess()
	p.finishAsPosted(ctx, claimed.ID, externalID)
}

// finishAsPosted は記事をpostedへ遷移させる。
func (p *Poster) finishAsPosted(ctx context.Context, id, externalID string) {
	_, err := p.articles.CompareAndTransition(ctx, id,
		model.StatusScheduled, model.StatusPosted,
		func(a *model.Article) {
			a.ExternalPostID = externalID
			a.LastError = ""
		})
	if err != nil {
		// 投稿自体は成功している。ExternalPostIDガードにより次サイクルで回収される。
		p.logger.Error("posted遷移に失敗しました",
			slog.String("article_id", id),
			slog.String("external_post_id", externalID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Info("記事を投稿しました",
		slog.String("article_id", id),
		slog.String("external_post_id", externalID),
	)
}

// handlePublishFailure は投稿失敗を分類して状態を遷移させる。
// 一時的失敗はバックオフ付きでscheduledに留め、
// 恒久的失敗とリトライ上限到達はfailedへ遷移させる。
func (p *Poster) handlePublishFailure(ctx context.Context, article *model.Article, postErr error) {
	var transient *model.TransientPublishError
	var permanent *model.PermanentPublishError

	switch {
	case errors.As(postErr, &permanent):
		p.collector.RecordPublishFailure(true)
		p.collector.RecordPublishHTTPStatus(permanent.StatusCode)
		p.failArticle(ctx, article.ID, postErr.Error())

	case errors.As(postErr, &transient):
		p.collector.RecordPublishFailure(false)
		if transient.StatusCode != 0 {
			p.collector.RecordPublishHTTPStatus(transient.StatusCode)
		}

		if article.PublishAttempts >= p.maxAttempts {
			p.logger.Warn("リトライ上限に達しました",
				slog.String("article_id", article.ID),
				slog.Int("attempts", article.PublishAttempts),
			)
			p.failArticle(ctx, article.ID, postErr.Error())
			return
		}

		delay := CalculateBackoff(p.backoffBase, article.PublishAttempts)
		nextAttempt := p.now().Add(delay)
		_, err := p.articles.CompareAndTransition(ctx, article.ID,
			model.StatusScheduled, model.StatusScheduled,
			func(a *model.Article) {
				a.ScheduledFor = &nextAttempt
				a.LastError = postErr.Error()
			})
		if err != nil {
			p.logger.Error("リトライのスケジュールに失敗しました",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		p.logger.Warn("投稿を後で再試行します",
			slog.String("article_id", article.ID),
			slog.Int("attempts", article.PublishAttempts),
			slog.Time("next_attempt", nextAttempt),
			slog.String("error", postErr.Error()),
		)

	default:
		// クライアントは全エラーを分類するため通常ここには来ない
		p.collector.RecordPublishFailure(false)
		p.failArticle(ctx, article.ID, postErr.Error())
	}
}

// failArticle は記事をfailedへ遷移させる。
func (p *Poster) failArticle(ctx context.Context, id, reason string) {
	_, err := p.articles.CompareAndTransition(ctx, id,
		model.StatusScheduled, model.StatusFailed,
		func(a *model.Article) {
			a.LastError = reason
		})
	if err != nil {
		p.logger.Error("failed遷移に失敗しました",
			slog.String("article_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Error("記事の投稿が失敗しました",
		slog.String("article_id", id),
		slog.String("reason", reason),
	)
}
