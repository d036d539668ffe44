package extract

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlEngine strips markup and returns the visible text of an HTML page.
type htmlEngine struct{}

func (e *htmlEngine) Name() string { return "html" }

func (e *htmlEngine) Extract(_ context.Context, r io.Reader) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript").Remove()

	var parts []string
	doc.Find("title, h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		if txt := strings.TrimSpace(s.Text()); txt != "" {
			parts = append(parts, txt)
		}
	})
	if len(parts) == 0 {
		// No block structure; fall back to the whole body.
		if txt := strings.TrimSpace(doc.Find("body").Text()); txt != "" {
			parts = append(parts, txt)
		}
	}
	return Result{Text: strings.Join(parts, "\n"), Complete: true}, nil
}
