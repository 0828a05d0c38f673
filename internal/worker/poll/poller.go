package poll

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/fedipost/internal/metrics"
	"github.com/hitoshi/fedipost/internal/model"
	"github.com/hitoshi/fedipost/internal/repository"
	"github.com/hitoshi/fedipost/internal/teaser"
)

// TeaserSuggester はティーザー生成サービスの抽象。
type TeaserSuggester interface {
	Generate(ctx context.Context, article *model.Article) (*teaser.Suggestion, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// ContentSanitizer はフィード本文のテキスト化インターフェース。
type ContentSanitizer interface {
	PlainText(rawHTML string) string
	SanitizeInline(s string) string
}

// feedState は条件付きGET用のフィードごとのキャッシュ状態。
// プロセス内のみで保持され、再起動後の初回フェッチは全件取得となる。
// 既知の記事はguid一意制約で弾かれるため重複は発生しない。
type feedState struct {
	etag         string
	lastModified string
}

// Poller は個別フィードのHTTPフェッチ・パース・記事取り込みを行う。
// 新規記事の挿入に成功した場合はティーザー生成を試み、
// 生成結果をpendingの記事に添付する。
type Poller struct {
	articles    repository.ArticleRepository
	suggest     TeaserSuggester
	ssrfGuard   SSRFValidator
	sanitizer   ContentSanitizer
	collector   metrics.MetricsCollector
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64

	mu     sync.Mutex
	states map[string]*feedState
}

// NewPoller はPollerの新しいインスタンスを生成する。
func NewPoller(
	articles repository.ArticleRepository,
	suggest TeaserSuggester,
	ssrfGuard SSRFValidator,
	sanitizer ContentSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Poller {
	return &Poller{
		articles:    articles,
		suggest:     suggest,
		ssrfGuard:   ssrfGuard,
		sanitizer:   sanitizer,
		collector:   collector,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		states:      make(map[string]*feedState),
	}
}

// Poll はフィードをフェッチし、新規記事を取り込む。
// FeedPollerServiceインターフェースを実装する。
// フェッチ失敗はエラーとして返し、次のティックで自然に再試行される。
func (p *Poller) Poll(ctx context.Context, feedURL string) error {
	start := time.Now()

	if err := p.ssrfGuard.ValidateURL(feedURL); err != nil {
		p.collector.RecordPollFailure(feedURL)
		return fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := p.ssrfGuard.NewSafeClient(p.timeout, p.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", "Fedipost/1.0 RSS Reader")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET
	state := p.getState(feedURL)
	if state.etag != "" {
		req.Header.Set("If-None-Match", state.etag)
	}
	if state.lastModified != "" {
		req.Header.Set("If-Modified-Since", state.lastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		p.collector.RecordPollFailure(feedURL)
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		p.logger.Info("フィードは未変更です（304）",
			slog.String("feed_url", feedURL),
		)
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		p.collector.RecordPollFailure(feedURL)
		return fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodySize))
	if err != nil {
		p.collector.RecordPollFailure(feedURL)
		return fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		p.collector.RecordPollFailure(feedURL)
		p.logger.Error("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		// パース失敗はフェッチエラーとしない（次のティックで再試行）
		return nil
	}

	// 条件付きGET状態はパース成功後にのみ更新する。
	// パースできなかった本文のETagを記録すると次のティックが304になり、
	// 再試行されないまま取りこぼしが固定化される。
	p.setState(feedURL, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"))

	entries := convertGofeedItems(parsedFeed.Items)

	inserted := 0
	for _, entry := range entries {
		key := identityKey(entry)
		if key == "" {
			p.logger.Warn("同一性キーのない記事をスキップします",
				slog.String("feed_url", feedURL),
				slog.String("title", entry.Title),
			)
			continue
		}

		article := &model.Article{
			ID:          uuid.NewString(),
			GUID:        key,
			SourceURL:   entry.Link,
			Title:       p.sanitizer.SanitizeInline(entry.Title),
			Summary:     p.sanitizer.PlainText(entry.Summary),
			Author:      p.sanitizer.SanitizeInline(entry.Author),
			PublishedAt: entry.PublishedAt,
			FetchedAt:   time.Now(),
			Status:      model.StatusPending,
		}

		isNew, err := p.articles.InsertIfAbsent(ctx, article)
		if err != nil {
			p.logger.Error("記事の取り込みに失敗しました",
				slog.String("feed_url", feedURL),
				slog.String("guid", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !isNew {
			continue
		}

		inserted++
		p.attachTeaser(ctx, article)
	}

	if inserted > 0 {
		p.collector.RecordArticlesIngested(inserted)
	}

	duration := time.Since(start)
	p.logger.Info("フィードポーリングが完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("entries_total", len(entries)),
		slog.Int("articles_inserted", inserted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// attachTeaser は新規記事にティーザー案を添付する。
// 生成失敗は記事取り込みを妨げない。記事はティーザー無しのpendingのまま残り、
// レビューUIから再生成できる。
func (p *Poller) attachTeaser(ctx context.Context, article *model.Article) {
	suggestion, err := p.suggest.Generate(ctx, article)
	if err != nil {
		p.collector.RecordTeaserGenerationFailure()
		p.logger.Warn("ティーザーの自動生成に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	_, err = p.articles.CompareAndTransition(ctx, article.ID,
		model.StatusPending, model.StatusPending,
		func(a *model.Article) {
			a.TeaserText = suggestion.TeaserText
			a.Tags = suggestion.Tags
		})
	if err != nil {
		// 挿入直後にレビュー側が動かした場合のみ起こりうる。提案は破棄する。
		p.logger.Warn("ティーザーの添付に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.collector.RecordTeaserGenerated()
}

// getState はフィードの条件付きGET状態を返す。
func (p *Poller) getState(feedURL string) feedState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.states[feedURL]; ok {
		return *state
	}
	return feedState{}
}

// setState はフィードの条件付きGET状態を更新する。空の値では上書きしない。
func (p *Poller) setState(feedURL, etag, lastModified string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[feedURL]
	if !ok {
		state = &feedState{}
		p.states[feedURL] = state
	}
	if etag != "" {
		state.etag = etag
	}
	if lastModified != "" {
		state.lastModified = lastModified
	}
}

// identityKey は記事の安定した同一性キーを返す。
// guidがあればそれを、なければ正規化したリンクを使用する。
// どちらも無い記事は同一性を判定できないため空文字を返す。
func identityKey(entry model.ParsedEntry) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	if entry.Link != "" {
		return normalizeLink(entry.Link)
	}
	return ""
}

// normalizeLink はリンクURLを同一性判定用に正規化する。
// スキームとホストを小文字化し、フラグメントと末尾スラッシュを除去する。
func normalizeLink(link string) string {
	parsed, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return strings.TrimSpace(link)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String()
}

// convertGofeedItems はgofeedの記事をmodel.ParsedEntryに変換する。
func convertGofeedItems(items []*gofeed.Item) []model.ParsedEntry {
	entries := make([]model.ParsedEntry, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		entry := model.ParsedEntry{
			GUID:    item.GUID,
			Link:    item.Link,
			Title:   item.Title,
			Summary: item.Description,
		}

		// 要約が無い場合は本文で代替する
		if entry.Summary == "" && item.Content != "" {
			entry.Summary = item.Content
		}

		if item.Author != nil {
			entry.Author = item.Author.Name
		}
		if entry.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			entry.Author = item.Authors[0].Name
		}

		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			entry.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			entry.PublishedAt = &t
		}

		entries = append(entries, entry)
	}

	return entries
}
