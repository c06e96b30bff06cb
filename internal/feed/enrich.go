package feed

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"github.com/hitoshi/trigardening/internal/catalog"
)

// wordsPerMinute は読了時間の推定に使う1分あたりの語数。
const wordsPerMinute = 200

// Sanitizer はHTMLコンテンツのサニタイズインターフェース。
type Sanitizer interface {
	Sanitize(rawHTML string) string
	StripTags(rawHTML string) string
}

// EnrichPost は記事エントリの本文をサニタイズし、抜粋をプレーンテキストにする。
// 読了時間が未設定なら本文から推定する。
func EnrichPost(e catalog.Entry, sanitizer Sanitizer) catalog.Entry {
	if sanitizer != nil {
		if e.Content != "" {
			e.Content = sanitizer.Sanitize(e.Content)
		}
		e.Excerpt = sanitizer.StripTags(e.Excerpt)
	}
	if e.MinutesToRead <= 0 {
		text := e.Content
		if text == "" {
			text = e.Excerpt
		}
		e.MinutesToRead = ReadingMinutes(text)
	}
	return e
}

// ReadingMinutes はHTML本文のテキスト部分の語数から読了時間（分）を推定する。最小1分。
func ReadingMinutes(htmlContent string) int {
	words := CountWords(htmlContent)
	minutes := (words + wordsPerMinute - 1) / wordsPerMinute
	return max(minutes, 1)
}

// CountWords はHTMLのテキストノードに含まれる語数を数える。
// script・style要素の中身は数えない。
func CountWords(htmlContent string) int {
	z := html.NewTokenizer(strings.NewReader(htmlContent))
	words := 0
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF以外の字句エラーもそこまでの語数を返す
			return words
		case html.StartTagToken:
			if name, _ := z.TagName(); isSkippedElement(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isSkippedElement(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				words += len(strings.FieldsFunc(string(z.Text()), unicode.IsSpace))
			}
		}
	}
}

func isSkippedElement(name string) bool {
	return name == "script" || name == "style"
}
