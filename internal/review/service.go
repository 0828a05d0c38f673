// Package review は人間のレビュー操作（承認・破棄・編集・再生成）を提供する。
// pendingから記事を動かせる唯一の書き込み手であり、
// 承認時には承認済み例コーパスへの記録も行う。
package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedipost/internal/model"
	"github.com/hitoshi/fedipost/internal/repository"
	"github.com/hitoshi/fedipost/internal/teaser"
)

// TeaserSuggester はティーザー生成サービスの抽象。
type TeaserSuggester interface {
	Generate(ctx context.Context, article *model.Article) (*teaser.Suggestion, error)
}

// Service はレビューゲートウェイの実装。
// すべての状態変更はストアのCompareAndTransitionを通すため、
// ポーラー・ポスターと並行に呼び出されても競合は検出される。
type Service struct {
	articles repository.ArticleRepository
	examples repository.ExampleRepository
	suggest  TeaserSuggester
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	articles repository.ArticleRepository,
	examples repository.ExampleRepository,
	suggest TeaserSuggester,
	logger *slog.Logger,
) *Service {
	return &Service{
		articles: articles,
		examples: examples,
		suggest:  suggest,
		logger:   logger,
		now:      time.Now,
	}
}

// ListByStatus は指定状態の記事一覧を返す。
func (s *Service) ListByStatus(ctx context.Context, status model.ArticleStatus) ([]*model.Article, error) {
	return s.articles.ListByStatus(ctx, status, 0)
}

// Get は指定IDの記事を返す。見つからない場合はNotFoundError。
func (s *Service) Get(ctx context.Context, id string) (*model.Article, error) {
	article, err := s.articles.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if article == nil {
		return nil, &model.NotFoundError{ID: id}
	}
	return article, nil
}

// Approve は記事を承認する。最終的なティーザー本文とタグを書き込んでapprovedへ遷移し、
// 同期的に承認済み例を記録する。pendingでない記事への承認はInvalidStateError。
// 承認後の記事のティーザー・タグは凍結され、以後の編集は拒否される。
func (s *Service) Approve(ctx context.Context, id, teaserText string, tags []string) (*model.Article, error) {
	if teaserText == "" {
		return nil, model.NewEmptyTeaserError()
	}

	updated, err := s.articles.CompareAndTransition(ctx, id,
		model.StatusPending, model.StatusApproved,
		func(a *model.Article) {
			a.TeaserText = teaserText
			a.Tags = tags
		})
	if err != nil {
		return nil, s.resolveTransitionError(ctx, id, err, "approve")
	}

	example := &model.ApprovedExample{
		ID:         uuid.NewString(),
		ArticleID:  updated.ID,
		SourceText: updated.Summary,
		TeaserText: teaserText,
		Tags:       tags,
	}
	if err := s.examples.Insert(ctx, example); err != nil {
		// 承認自体は成立している。例の記録失敗は生成品質にのみ影響する。
		s.logger.Error("承認済み例の記録に失敗しました",
			slog.String("article_id", id),
			slog.String("error", err.Error()),
		)
		return updated, err
	}

	s.logger.Info("記事を承認しました",
		slog.String("article_id", id),
		slog.Int("tag_count", len(tags)),
	)

	return updated, nil
}

// Discard は記事を破棄する。pendingまたはfailedの記事のみ破棄できる。
// 承認済み例は記録されない。
func (s *Service) Discard(ctx context.Context, id, reason string) (*model.Article, error) {
	article, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if article.Status != model.StatusPending && article.Status != model.StatusFailed {
		return nil, &model.InvalidStateError{ID: id, Current: article.Status, Op: "discard"}
	}

	updated, err := s.articles.CompareAndTransition(ctx, id,
		article.Status, model.StatusDiscarded,
		func(a *model.Article) {
			a.DiscardReason = reason
		})
	if err != nil {
		return nil, s.resolveTransitionError(ctx, id, err, "discard")
	}

	s.logger.Info("記事を破棄しました",
		slog.String("article_id", id),
		slog.String("reason", reason),
	)

	return updated, nil
}

// EditTeaser はpendingの記事のティーザー本文とタグを上書きする。
// pending以外の状態への編集はInvalidStateError（承認後凍結の不変条件）。
func (s *Service) EditTeaser(ctx context.Context, id, teaserText string, tags []string) (*model.Article, error) {
	if teaserText == "" {
		return nil, model.NewEmptyTeaserError()
	}

	updated, err := s.articles.CompareAndTransition(ctx, id,
		model.StatusPending, model.StatusPending,
		func(a *model.Article) {
			a.TeaserText = teaserText
			a.Tags = tags
		})
	if err != nil {
		return nil, s.resolveTransitionError(ctx, id, err, "edit")
	}

	return updated, nil
}

// Regenerate はpendingの記事のティーザーを再生成して上書きする。
// 何度でも呼び出せるが、前回の提案は保存されず上書きされる。
// 生成失敗時は記事を変更せずGenerationUnavailableErrorを返す。
func (s *Service) Regenerate(ctx context.Context, id string) (*model.Article, error) {
	article, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if article.Status != model.StatusPending {
		return nil, &model.InvalidStateError{ID: id, Current: article.Status, Op: "regenerate"}
	}

	suggestion, err := s.suggest.Generate(ctx, article)
	if err != nil {
		return nil, err
	}

	updated, err := s.articles.CompareAndTransition(ctx, id,
		model.StatusPending, model.StatusPending,
		func(a *model.Article) {
			a.TeaserText = suggestion.TeaserText
			a.Tags = suggestion.Tags
		})
	if err != nil {
		return nil, s.resolveTransitionError(ctx, id, err, "regenerate")
	}

	return updated, nil
}

// Requeue はfailedの記事を再スケジュールする。
// 試行回数とエラーをリセットし、即時投稿対象としてscheduledへ戻す。
func (s *Service) Requeue(ctx context.Context, id string) (*model.Article, error) {
	scheduledFor := s.now()

	updated, err := s.articles.CompareAndTransition(ctx, id,
		model.StatusFailed, model.StatusScheduled,
		func(a *model.Article) {
			a.PublishAttempts = 0
			a.LastError = ""
			a.ScheduledFor = &scheduledFor
		})
	if err != nil {
		return nil, s.resolveTransitionError(ctx, id, err, "requeue")
	}

	s.logger.Info("記事を再キューしました", slog.String("article_id", id))

	return updated, nil
}

// resolveTransitionError はCompareAndTransitionのエラーをレビュー操作向けに解決する。
// StaleStateErrorは「別のアクターが先に動かした」ことを意味するため、
// 再読込の上でInvalidStateErrorに読み替えて人間に提示する。
func (s *Service) resolveTransitionError(ctx context.Context, id string, err error, op string) error {
	var stale *model.StaleStateError
	if !errors.As(err, &stale) {
		return err
	}

	article, findErr := s.articles.FindByID(ctx, id)
	if findErr != nil {
		return findErr
	}
	if article == nil {
		return &model.NotFoundError{ID: id}
	}
	return &model.InvalidStateError{ID: id, Current: article.Status, Op: op}
}
