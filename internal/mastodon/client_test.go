package mastodon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/fedipost/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestClient(serverURL string) *Client {
	return NewClient(&http.Client{Timeout: 5 * time.Second}, testLogger(), serverURL, "test-token", "private")
}

// TestPostStatus_Success は正常な投稿で外部投稿IDが返ることを検証する。
func TestPostStatus_Success(t *testing.T) {
	var gotAuth, gotStatus, gotVisibility string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/statuses" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotStatus = r.PostFormValue("status")
		gotVisibility = r.PostFormValue("visibility")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "114000000000000001", "url": "https://mastodon.example/@me/1"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	id, err := client.PostStatus(context.Background(), "Hello fediverse")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != "114000000000000001" {
		t.Errorf("id = %q", id)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotStatus != "Hello fediverse" {
		t.Errorf("status = %q", gotStatus)
	}
	if gotVisibility != "private" {
		t.Errorf("visibility = %q", gotVisibility)
	}
}

// TestPostStatus_RateLimited_Transient は429が一時的失敗として分類されることを検証する。
func TestPostStatus_RateLimited_Transient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).PostStatus(context.Background(), "x")
	var transient *model.TransientPublishError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientPublishError, got %v", err)
	}
	if transient.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", transient.StatusCode)
	}
}

// TestPostStatus_ServerError_Transient は503が一時的失敗として分類されることを検証する。
func TestPostStatus_ServerError_Transient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).PostStatus(context.Background(), "x")
	var transient *model.TransientPublishError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientPublishError, got %v", err)
	}
}

// TestPostStatus_ValidationError_Permanent は422が恒久的失敗として分類されることを検証する。
func TestPostStatus_ValidationError_Permanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "Validation failed: Text char limit exceeded"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).PostStatus(context.Background(), "x")
	var permanent *model.PermanentPublishError
	if !errors.As(err, &permanent) {
		t.Fatalf("expected PermanentPublishError, got %v", err)
	}
	if permanent.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d", permanent.StatusCode)
	}
}

// TestPostStatus_UnreadableSuccessBody は2xxだがIDを読み取れないレスポンスが
// 成功として扱われることを検証する。投稿は作成済みのため、失敗扱いにして
// 再キューすると二重投稿になる。
func TestPostStatus_UnreadableSuccessBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"JSONでない本文", "<html>gateway buffered something</html>"},
		{"IDの無いJSON", `{"url": "https://mastodon.example/@me/1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			id, err := newTestClient(server.URL).PostStatus(context.Background(), "x")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if id != "" {
				t.Errorf("id = %q, want empty", id)
			}
		})
	}
}

// TestPostStatus_NetworkError_Transient は接続不能が一時的失敗として分類されることを検証する。
func TestPostStatus_NetworkError_Transient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // 即座に閉じて接続エラーを誘発する

	_, err := newTestClient(server.URL).PostStatus(context.Background(), "x")
	var transient *model.TransientPublishError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientPublishError, got %v", err)
	}
	if transient.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 (network error)", transient.StatusCode)
	}
}

// TestComposeStatus_Layout は投稿本文のレイアウトを検証する。
func TestComposeStatus_Layout(t *testing.T) {
	article := &model.Article{
		Title:      "Big Story",
		TeaserText: "You need to read this",
		SourceURL:  "https://example.com/story",
		Tags:       []string{"#News", "#Investigative"},
	}

	got := ComposeStatus(article, 500)
	want := "Big Story\n\nYou need to read this\n\nRead more → https://example.com/story\n\n#News #Investigative"
	if got != want {
		t.Errorf("ComposeStatus = %q, want %q", got, want)
	}
}

// TestComposeStatus_TrimsTeaserToFit は文字数超過時にティーザーから削られることを検証する。
func TestComposeStatus_TrimsTeaserToFit(t *testing.T) {
	article := &model.Article{
		Title:      "Title",
		TeaserText: strings.Repeat("a", 400),
		SourceURL:  "https://example.com/s",
		Tags:       []string{"#x"},
	}

	got := ComposeStatus(article, 100)
	if len([]rune(got)) > 100 {
		t.Errorf("len = %d, want <= 100", len([]rune(got)))
	}
	if !strings.Contains(got, "Title") {
		t.Error("タイトルが削られています")
	}
	if !strings.Contains(got, "https://example.com/s") {
		t.Error("リンクが削られています")
	}
	if !strings.Contains(got, "...") {
		t.Error("ティーザーの切り詰めマーカーがありません")
	}
}

// TestComposeStatus_NoTags はタグ無しの記事でタグブロックが省略されることを検証する。
func TestComposeStatus_NoTags(t *testing.T) {
	article := &model.Article{
		Title:      "T",
		TeaserText: "teaser",
		SourceURL:  "https://example.com/s",
	}

	got := ComposeStatus(article, 500)
	if strings.HasSuffix(got, "\n\n") {
		t.Errorf("末尾に余分な空行があります: %q", got)
	}
	if !strings.HasSuffix(got, "https://example.com/s") {
		t.Errorf("リンクで終わっていません: %q", got)
	}
}
