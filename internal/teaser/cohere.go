package teaser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
)

// defaultCohereModel はティーザー生成に使用するCohereのモデル。
const defaultCohereModel = "command-r-08-2024"

// CohereGenerator はCohere Chat APIを使用するTextGenerator実装。
type CohereGenerator struct {
	client *cohereclient.Client
	model  string
}

// NewCohereGenerator はCohereGeneratorの新しいインスタンスを生成する。
// タイムアウトはリクエスト単位のコンテキストとは別に、HTTPクライアント側の上限として設定する。
func NewCohereGenerator(apiKey string, timeout time.Duration) *CohereGenerator {
	httpClient := &http.Client{
		Timeout: timeout,
	}
	client := cohereclient.NewClient(
		cohereclient.WithToken(apiKey),
		cohereclient.WithHTTPClient(httpClient),
	)
	return &CohereGenerator{
		client: client,
		model:  defaultCohereModel,
	}
}

// GenerateText はプロンプトに対する生成テキストを返す。
func (g *CohereGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Chat(ctx, &cohere.ChatRequest{
		Message: prompt,
		Model:   &g.model,
	})
	if err != nil {
		return "", fmt.Errorf("Cohere Chat APIの呼び出しに失敗しました: %w", err)
	}

	return strings.TrimSpace(resp.Text), nil
}
