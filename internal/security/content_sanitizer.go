// Package security はフィード取得まわりのセキュリティ機能を提供する。
//
// ContentSanitizerService はフィード記事のHTMLコンテンツをプレーンテキストへ
// 変換する。記事の要約はティーザー生成の入力とレビューUIの表示にのみ使うため、
// HTMLをそのまま保持せず、タグを除去したテキストとして保存する。
package security

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ContentSanitizerService はHTMLコンテンツのテキスト化機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// PlainText はHTMLコンテンツからテキストを抽出して返す。
	// script/style要素の中身は除外し、ブロック要素の境界は空白1つで区切る。
	// 連続する空白は1つに正規化される。
	// パースできない入力はタグ除去ポリシーでのフォールバック処理となる。
	// 同一入力に対して常に同一出力を返す（冪等）。
	PlainText(rawHTML string) string

	// SanitizeInline はタイトル等の1行テキストからマークアップを除去する。
	// bluemondayのStrictPolicyで全タグを除去し、実体参照を展開する。
	SanitizeInline(s string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフであり、全ゴルーチンで共有される。
type contentSanitizer struct {
	strict *bluemonday.Policy
}

// whitespaceRe は連続空白の正規化に使用する。
var whitespaceRe = regexp.MustCompile(`\s+`)

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		strict: bluemonday.StrictPolicy(),
	}
}

// PlainText はHTMLコンテンツからテキストを抽出して返す。
func (s *contentSanitizer) PlainText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		// html.Parseはほぼ失敗しないが、失敗時はタグ除去のみ行う
		return s.SanitizeInline(rawHTML)
	}

	var sb strings.Builder
	collectText(doc, &sb)

	return normalizeWhitespace(sb.String())
}

// SanitizeInline はタイトル等の1行テキストからマークアップを除去する。
func (s *contentSanitizer) SanitizeInline(raw string) string {
	stripped := s.strict.Sanitize(raw)
	// StrictPolicyは実体参照でエスケープして返すため展開し直す
	return normalizeWhitespace(html.UnescapeString(stripped))
}

// collectText はHTMLノードツリーを走査してテキストノードを収集する。
// script/styleの中身はテキストとして扱わない。
func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteString(" ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// normalizeWhitespace は連続空白を1つに正規化し、前後の空白を除去する。
func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
