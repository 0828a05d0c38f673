package mastodon

import (
	"strings"

	"github.com/hitoshi/fedipost/internal/model"
)

// ComposeStatus は記事から投稿本文を組み立てる。
// レイアウト: タイトル、ティーザー、記事リンク、ハッシュタグの順に空行区切り。
// 全体がcharLimit文字（rune単位）に収まるよう、まずティーザーを切り詰める。
func ComposeStatus(article *model.Article, charLimit int) string {
	var parts []string

	if article.Title != "" {
		parts = append(parts, article.Title)
	}

	teaserIndex := -1
	if article.TeaserText != "" {
		parts = append(parts, article.TeaserText)
		teaserIndex = len(parts) - 1
	}

	if article.SourceURL != "" {
		parts = append(parts, "Read more → "+article.SourceURL)
	}

	if len(article.Tags) > 0 {
		parts = append(parts, strings.Join(article.Tags, " "))
	}

	text := strings.Join(parts, "\n\n")
	over := len([]rune(text)) - charLimit
	if over <= 0 {
		return text
	}

	// ティーザーを削って収める。それでも収まらない場合は全体を切り詰める。
	if teaserIndex >= 0 {
		teaserRunes := []rune(parts[teaserIndex])
		keep := len(teaserRunes) - over - 3 // "..."の分
		if keep > 0 {
			parts[teaserIndex] = string(teaserRunes[:keep]) + "..."
			text = strings.Join(parts, "\n\n")
		} else {
			// ティーザーを丸ごと落とす
			parts = append(parts[:teaserIndex], parts[teaserIndex+1:]...)
			text = strings.Join(parts, "\n\n")
		}
	}

	runes := []rune(text)
	if len(runes) > charLimit {
		text = string(runes[:charLimit])
	}
	return text
}
