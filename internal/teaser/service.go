// Package teaser はティーザー本文とタグの生成機能を提供する。
// 生成は(記事本文, 承認済み例コーパス)の関数として振る舞い、
// コーパスはExampleRepository経由で差し替え可能な文脈として注入される。
package teaser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/fedipost/internal/model"
	"github.com/hitoshi/fedipost/internal/repository"
)

// maxFewShotExamples はプロンプトに含める承認済み例の最大数。
const maxFewShotExamples = 5

// exampleSourceLimit はプロンプトに含める例の本文の最大文字数。
// プロンプト全体の肥大化を防ぐ。
const exampleSourceLimit = 300

// TextGenerator はテキスト生成バックエンドの抽象。
// 本番はCohere、テストではフェイクを注入する。
type TextGenerator interface {
	// GenerateText はプロンプトに対する生成テキストを返す。
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Suggestion は生成されたティーザー案を表す。
type Suggestion struct {
	TeaserText string
	Tags       []string
}

// Service はティーザー生成サービス。
// 生成バックエンドが未設定の場合は本文の切り詰めに縮退する。
type Service struct {
	generator   TextGenerator // nil = 未設定（切り詰めフォールバック）
	examples    repository.ExampleRepository
	logger      *slog.Logger
	maxLength   int
	defaultTags []string
	timeout     time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
// generatorにはnilを渡してもよく、その場合は生成を行わず切り詰めで代替する。
func NewService(
	generator TextGenerator,
	examples repository.ExampleRepository,
	logger *slog.Logger,
	maxLength int,
	defaultTags []string,
	timeout time.Duration,
) *Service {
	return &Service{
		generator:   generator,
		examples:    examples,
		logger:      logger,
		maxLength:   maxLength,
		defaultTags: defaultTags,
		timeout:     timeout,
	}
}

// Generate は記事に対するティーザー案を生成する。
// 承認済み例コーパスをfew-shot文脈としてプロンプトに含めるため、
// コーパスの成長に伴って提案の質が向上することを期待できる（品質目標であり保証ではない）。
// バックエンド障害時はGenerationUnavailableErrorを返し、記事には何も添付されない。
func (s *Service) Generate(ctx context.Context, article *model.Article) (*Suggestion, error) {
	sourceText := article.Summary
	if sourceText == "" {
		sourceText = article.Title
	}

	if s.generator == nil {
		// バックエンド未設定: 本文の切り詰めで代替する
		return &Suggestion{
			TeaserText: truncate(sourceText, s.maxLength),
			Tags:       s.proposeTags(),
		}, nil
	}

	examples, err := s.examples.ListRecent(ctx, maxFewShotExamples)
	if err != nil {
		// コーパスが読めなくても生成自体は続行できる
		s.logger.Warn("承認済み例コーパスの取得に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		examples = nil
	}

	// コーパスの成長は提案品質の前提条件のため、生成のたびに規模を記録する
	corpusSize, err := s.examples.Count(ctx)
	if err != nil {
		corpusSize = len(examples)
	}
	s.logger.Info("ティーザーを生成します",
		slog.String("article_id", article.ID),
		slog.Int("corpus_size", corpusSize),
		slog.Int("few_shot_examples", len(examples)),
	)

	prompt := buildPrompt(sourceText, examples, s.maxLength)

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.generator.GenerateText(genCtx, prompt)
	if err != nil {
		s.logger.Error("ティーザー生成に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		return nil, &model.GenerationUnavailableError{Reason: err.Error()}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &model.GenerationUnavailableError{Reason: "生成結果が空です"}
	}

	return &Suggestion{
		TeaserText: truncate(text, s.maxLength),
		Tags:       s.proposeTags(),
	}, nil
}

// proposeTags は提案タグを返す。設定されたデフォルトハッシュタグのコピー。
func (s *Service) proposeTags() []string {
	tags := make([]string, len(s.defaultTags))
	copy(tags, s.defaultTags)
	return tags
}

// buildPrompt は生成プロンプトを組み立てる。
// 承認済み例は新しいものから順にfew-shot例として含める。
func buildPrompt(sourceText string, examples []*model.ApprovedExample, maxLength int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Generate an engaging, concise and personal social media teaser for the article below. "+
		"Respond with the teaser text only, without introductory phrases or options, in under %d characters.\n", maxLength)

	if len(examples) > 0 {
		sb.WriteString("\nHere are teasers the editor has approved before. Match their tone and style:\n")
		for _, ex := range examples {
			fmt.Fprintf(&sb, "\nArticle: %s\nTeaser: %s\n", truncate(ex.SourceText, exampleSourceLimit), ex.TeaserText)
		}
	}

	fmt.Fprintf(&sb, "\nArticle: %s\nTeaser:", sourceText)

	return sb.String()
}

// truncate は文字列をmaxLength文字（rune単位）以下に切り詰める。
// 切り詰めが発生した場合は末尾に"..."を付与する。
func truncate(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-3]) + "..."
}
