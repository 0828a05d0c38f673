package security

import "testing"

// TestPlainText_StripsMarkup はタグが除去されテキストのみが残ることを検証する。
func TestPlainText_StripsMarkup(t *testing.T) {
	s := NewContentSanitizer()

	got := s.PlainText(`<p>Hello <strong>world</strong></p>`)
	if got != "Hello world" {
		t.Errorf("PlainText = %q, want %q", got, "Hello world")
	}
}

// TestPlainText_BlockBoundaries はブロック要素の境界で単語が連結されないことを検証する。
func TestPlainText_BlockBoundaries(t *testing.T) {
	s := NewContentSanitizer()

	got := s.PlainText(`<p>first</p><p>second</p>`)
	if got != "first second" {
		t.Errorf("PlainText = %q, want %q", got, "first second")
	}
}

// TestPlainText_SkipsScriptAndStyle はscript/styleの中身が出力に含まれないことを検証する。
func TestPlainText_SkipsScriptAndStyle(t *testing.T) {
	s := NewContentSanitizer()

	got := s.PlainText(`<div>text<script>alert("x")</script><style>.a{}</style></div>`)
	if got != "text" {
		t.Errorf("PlainText = %q, want %q", got, "text")
	}
}

// TestPlainText_EmptyInput は空入力に空文字列を返すことを検証する。
func TestPlainText_EmptyInput(t *testing.T) {
	s := NewContentSanitizer()

	if got := s.PlainText(""); got != "" {
		t.Errorf("PlainText(\"\") = %q, want \"\"", got)
	}
}

// TestPlainText_Idempotent は同一入力に対して常に同一出力を返すことを検証する。
func TestPlainText_Idempotent(t *testing.T) {
	s := NewContentSanitizer()

	input := `<p>A &amp; B</p>`
	first := s.PlainText(input)
	second := s.PlainText(input)
	if first != second {
		t.Errorf("PlainText is not idempotent: %q != %q", first, second)
	}
}

// TestSanitizeInline_UnescapesEntities はタグ除去後に実体参照が展開されることを検証する。
func TestSanitizeInline_UnescapesEntities(t *testing.T) {
	s := NewContentSanitizer()

	got := s.SanitizeInline(`Tom &amp; Jerry <em>show</em>`)
	if got != "Tom & Jerry show" {
		t.Errorf("SanitizeInline = %q, want %q", got, "Tom & Jerry show")
	}
}

// TestSanitizeInline_CollapsesWhitespace は連続空白が1つに正規化されることを検証する。
func TestSanitizeInline_CollapsesWhitespace(t *testing.T) {
	s := NewContentSanitizer()

	got := s.SanitizeInline("a  b\n\tc")
	if got != "a b c" {
		t.Errorf("SanitizeInline = %q, want %q", got, "a b c")
	}
}
