// Package htmltext pulls the title and readable text out of an HTML page.
package htmltext

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Document is the readable part of a page.
type Document struct {
	Title       string
	Description string
	Text        string
}

// Extract parses body as HTML. Script, style and template content is
// dropped and whitespace collapsed. Bodies that are not HTML come back as
// plain text.
func Extract(body []byte) Document {
	if len(bytes.TrimSpace(body)) == 0 {
		return Document{}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{Text: collapse(string(body))}
	}
	doc.Find("script, style, noscript, template, svg, iframe").Remove()

	out := Document{
		Title: collapse(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		out.Description = collapse(desc)
	}
	if out.Title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
			out.Title = collapse(og)
		}
	}
	out.Text = collapse(doc.Find("body").Text())
	if out.Text == "" {
		out.Text = collapse(doc.Text())
	}
	return out
}

// Title returns only the page title.
func Title(body []byte) string {
	return Extract(body).Title
}

// Truncate shortens s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
