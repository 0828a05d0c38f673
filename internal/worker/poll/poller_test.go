package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/fedipost/internal/model"
	"github.com/hitoshi/fedipost/internal/security"
	"github.com/hitoshi/fedipost/internal/teaser"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Test Feed</title>
  <link>https://example.com</link>
  <item>
    <title>First &lt;b&gt;Article&lt;/b&gt;</title>
    <link>https://example.com/first</link>
    <guid>https://example.com/first</guid>
    <description>&lt;p&gt;Summary of the first article.&lt;/p&gt;</description>
    <pubDate>Mon, 02 Jun 2025 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Second Article</title>
    <link>https://example.com/second/</link>
    <description>Second summary.</description>
  </item>
</channel>
</rss>`

// mockArticleStore はInsertIfAbsentとCompareAndTransitionを再現するインメモリ実装。
type mockArticleStore struct {
	mu       sync.Mutex
	articles map[string]*model.Article // guid -> article
}

func newMockArticleStore() *mockArticleStore {
	return &mockArticleStore{articles: make(map[string]*model.Article)}
}

func (m *mockArticleStore) InsertIfAbsent(ctx context.Context, article *model.Article) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[article.GUID]; ok {
		return false, nil
	}
	copied := *article
	m.articles[article.GUID] = &copied
	return true, nil
}

func (m *mockArticleStore) FindByID(ctx context.Context, id string) (*model.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.ID == id {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *mockArticleStore) ListByStatus(ctx context.Context, status model.ArticleStatus, limit int) ([]*model.Article, error) {
	return nil, nil
}

func (m *mockArticleStore) ListDueForPublish(ctx context.Context, now time.Time, limit int) ([]*model.Article, error) {
	return nil, nil
}

func (m *mockArticleStore) LatestScheduledFor(ctx context.Context) (*time.Time, error) {
	return nil, nil
}

func (m *mockArticleStore) CompareAndTransition(
	ctx context.Context,
	id string,
	expected, next model.ArticleStatus,
	mutate func(*model.Article),
) (*model.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.ID != id {
			continue
		}
		if a.Status != expected {
			return nil, &model.StaleStateError{ID: id, Expected: expected, Current: a.Status}
		}
		if mutate != nil {
			mutate(a)
		}
		a.Status = next
		copied := *a
		return &copied, nil
	}
	return nil, &model.NotFoundError{ID: id}
}

func (m *mockArticleStore) byGUID(guid string) *model.Article {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.articles[guid]
}

func (m *mockArticleStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.articles)
}

// mockSuggester は固定の提案を返すティーザー生成のモック。
type mockSuggester struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *mockSuggester) Generate(ctx context.Context, article *model.Article) (*teaser.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &teaser.Suggestion{
		TeaserText: "generated teaser for " + article.Title,
		Tags:       []string{"#auto"},
	}, nil
}

func (m *mockSuggester) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockSSRFGuard は検証をバイパスしてテストサーバーへの接続を許可する。
type mockSSRFGuard struct {
	validateErr error
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	return m.validateErr
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

// noopCollector はメトリクス収集の無効実装。
type noopCollector struct{}

func (noopCollector) RecordArticlesIngested(count int)          {}
func (noopCollector) RecordPollFailure(feedURL string)          {}
func (noopCollector) RecordTeaserGenerated()                    {}
func (noopCollector) RecordTeaserGenerationFailure()            {}
func (noopCollector) RecordPublishSuccess()                     {}
func (noopCollector) RecordPublishFailure(permanent bool)       {}
func (noopCollector) RecordPublishHTTPStatus(statusCode int)    {}
func (noopCollector) RecordPublishLatency(duration time.Duration) {}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestPoller(store *mockArticleStore, suggest TeaserSuggester) *Poller {
	return NewPoller(
		store,
		suggest,
		&mockSSRFGuard{},
		security.NewContentSanitizer(),
		noopCollector{},
		testLogger(),
		5*time.Second,
		1024*1024,
	)
}

// TestPoll_IngestsNewArticles はフィードから新規記事が取り込まれることを検証する。
func TestPoll_IngestsNewArticles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	store := newMockArticleStore()
	suggest := &mockSuggester{}
	poller := newTestPoller(store, suggest)

	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if store.count() != 2 {
		t.Fatalf("articles = %d, want 2", store.count())
	}

	first := store.byGUID("https://example.com/first")
	if first == nil {
		t.Fatal("first article not found")
	}
	if first.Title != "First Article" {
		t.Errorf("Title = %q（マークアップが除去されていません）", first.Title)
	}
	if first.Summary != "Summary of the first article." {
		t.Errorf("Summary = %q", first.Summary)
	}
	if first.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", first.Status)
	}
	if first.PublishedAt == nil {
		t.Error("PublishedAt is nil")
	}
	if first.TeaserText == "" {
		t.Error("ティーザーが添付されていません")
	}
	if suggest.callCount() != 2 {
		t.Errorf("generator calls = %d, want 2", suggest.callCount())
	}
}

// TestPoll_LinkFallbackIdentity はguidの無い記事が正規化リンクで同一視されることを検証する。
func TestPoll_LinkFallbackIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	store := newMockArticleStore()
	poller := newTestPoller(store, &mockSuggester{})

	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// 2番目の記事はguid無し: 末尾スラッシュを除去したリンクがキーになる
	second := store.byGUID("https://example.com/second")
	if second == nil {
		t.Fatal("second article not found under normalized link key")
	}
}

// TestPoll_DuplicatesSkipped は再ポーリングで既知の記事が重複しないことを検証する。
func TestPoll_DuplicatesSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	store := newMockArticleStore()
	suggest := &mockSuggester{}
	poller := newTestPoller(store, suggest)

	for i := 0; i < 3; i++ {
		if err := poller.Poll(context.Background(), server.URL); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}

	if store.count() != 2 {
		t.Errorf("articles = %d, want 2", store.count())
	}
	// ティーザー生成は初回挿入時のみ
	if suggest.callCount() != 2 {
		t.Errorf("generator calls = %d, want 2", suggest.callCount())
	}
}

// TestPoll_ConditionalGet は2回目のポーリングで条件付きGETヘッダーが送られることを検証する。
func TestPoll_ConditionalGet(t *testing.T) {
	var requests int
	var gotIfNoneMatch string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests > 1 {
			gotIfNoneMatch = r.Header.Get("If-None-Match")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	store := newMockArticleStore()
	poller := newTestPoller(store, &mockSuggester{})

	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	if gotIfNoneMatch != `"v1"` {
		t.Errorf("If-None-Match = %q, want %q", gotIfNoneMatch, `"v1"`)
	}
	if store.count() != 2 {
		t.Errorf("articles = %d, want 2", store.count())
	}
}

// TestPoll_GenerationFailureKeepsArticle は生成失敗でも記事がpendingで残ることを検証する。
func TestPoll_GenerationFailureKeepsArticle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	store := newMockArticleStore()
	suggest := &mockSuggester{err: &model.GenerationUnavailableError{Reason: "backend down"}}
	poller := newTestPoller(store, suggest)

	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if store.count() != 2 {
		t.Fatalf("articles = %d, want 2", store.count())
	}
	first := store.byGUID("https://example.com/first")
	if first.TeaserText != "" {
		t.Errorf("TeaserText = %q, want empty", first.TeaserText)
	}
	if first.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", first.Status)
	}
}

// TestPoll_FetchFailure はHTTP失敗がエラーとして返り、記事が取り込まれないことを検証する。
func TestPoll_FetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newMockArticleStore()
	poller := newTestPoller(store, &mockSuggester{})

	if err := poller.Poll(context.Background(), server.URL); err == nil {
		t.Fatal("expected error")
	}
	if store.count() != 0 {
		t.Errorf("articles = %d, want 0", store.count())
	}
}

// TestPoll_ParseFailureRetriedNextTick はパース失敗時にETagがキャッシュされず、
// 次のティックが条件無しGETで再試行されることを検証する。
func TestPoll_ParseFailureRetriedNextTick(t *testing.T) {
	var requests int
	var secondIfNoneMatch string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			// パース不能な本文にETagを付けて返す
			w.Header().Set("ETag", `"v1"`)
			fmt.Fprint(w, "this is not xml at all")
			return
		}
		secondIfNoneMatch = r.Header.Get("If-None-Match")
		if secondIfNoneMatch != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, testRSS)
	}))
	defer server.Close()

	store := newMockArticleStore()
	poller := newTestPoller(store, &mockSuggester{})

	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("articles after parse failure = %d, want 0", store.count())
	}

	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	if secondIfNoneMatch != "" {
		t.Errorf("If-None-Match = %q, want empty（パース失敗後はキャッシュされないこと）", secondIfNoneMatch)
	}
	if store.count() != 2 {
		t.Errorf("articles after retry = %d, want 2", store.count())
	}
}

// TestPoll_MalformedFeed はパース不能なフィードがエラー無しでスキップされることを検証する。
func TestPoll_MalformedFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not xml at all")
	}))
	defer server.Close()

	store := newMockArticleStore()
	poller := newTestPoller(store, &mockSuggester{})

	if err := poller.Poll(context.Background(), server.URL); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if store.count() != 0 {
		t.Errorf("articles = %d, want 0", store.count())
	}
}

// TestPoll_SSRFValidationFailure はSSRF検証失敗でフェッチが行われないことを検証する。
func TestPoll_SSRFValidationFailure(t *testing.T) {
	store := newMockArticleStore()
	poller := NewPoller(
		store,
		&mockSuggester{},
		&mockSSRFGuard{validateErr: errors.New("blocked host")},
		security.NewContentSanitizer(),
		noopCollector{},
		testLogger(),
		5*time.Second,
		1024*1024,
	)

	if err := poller.Poll(context.Background(), "http://169.254.169.254/feed"); err == nil {
		t.Fatal("expected error")
	}
}

// TestNormalizeLink はリンク正規化の各ケースを検証する。
func TestNormalizeLink(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"HTTPS://example.com/a?b=c", "https://example.com/a?b=c"},
		{"  https://example.com/x  ", "https://example.com/x"},
	}

	for _, tt := range tests {
		if got := normalizeLink(tt.input); got != tt.want {
			t.Errorf("normalizeLink(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
