// Package mastodon はMastodon APIによる投稿機能を提供する。
// ステータス投稿エンドポイントの呼び出しと、失敗の一時的/恒久的分類を含む。
package mastodon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/fedipost/internal/model"
)

// statusesPath はステータス投稿APIのパス。
const statusesPath = "/api/v1/statuses"

// Publisher は投稿ターゲットの抽象。ポスターから利用する。
// 成功時は外部投稿IDを返し、失敗時はTransientPublishErrorまたは
// PermanentPublishErrorに分類されたエラーを返す。
type Publisher interface {
	PostStatus(ctx context.Context, text string) (string, error)
}

// Client はMastodonステータス投稿APIのクライアント。
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	accessToken string
	visibility  string
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLはインスタンスのルートURL（例: "https://mastodon.example"）を指定する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, accessToken, visibility string) *Client {
	return &Client{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		visibility:  visibility,
	}
}

// statusResponse はステータス投稿APIのレスポンスのうち必要なフィールド。
type statusResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PostStatus はステータスを投稿し、外部投稿IDを返す。
// ネットワークエラー・タイムアウト・429・5xxは一時的失敗、
// それ以外の4xxは恒久的失敗として分類する。
// 2xxだがレスポンスから投稿IDを読み取れなかった場合は、
// 空のIDとnilエラーを返す（投稿自体は成立している）。
func (c *Client) PostStatus(ctx context.Context, text string) (string, error) {
	form := url.Values{}
	form.Set("status", text)
	form.Set("visibility", c.visibility)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+statusesPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Fedipost/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// ネットワークエラーとタイムアウトはリトライで回復しうる
		c.logger.Error("Mastodon APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", &model.TransientPublishError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return "", &model.TransientPublishError{Reason: readErr.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var status statusResponse
		if err := json.Unmarshal(body, &status); err != nil || status.ID == "" {
			// 2xxが返った時点で投稿は作成されている。ここでエラーを返すと
			// failed経由の再キューが二重投稿になるため、ID不明のまま成功扱いとする。
			c.logger.Warn("投稿レスポンスから投稿IDを取得できませんでした",
				slog.Int("http_status", resp.StatusCode),
			)
			return "", nil
		}
		return status.ID, nil
	}

	reason := strings.TrimSpace(string(body))
	if len(reason) > 200 {
		reason = reason[:200]
	}

	c.logger.Error("Mastodon APIがエラーステータスを返しました",
		slog.Int("http_status", resp.StatusCode),
		slog.String("body", reason),
	)

	return "", ClassifyStatusCode(resp.StatusCode, reason)
}

// ClassifyStatusCode はHTTPステータスコードを一時的/恒久的失敗に分類する。
// 429とサーバーエラー（5xx）はリトライ対象、その他の4xxは
// バリデーション・コンテンツ拒否として恒久的失敗とする。
func ClassifyStatusCode(statusCode int, reason string) error {
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return &model.TransientPublishError{StatusCode: statusCode, Reason: reason}
	}
	return &model.PermanentPublishError{StatusCode: statusCode, Reason: reason}
}
