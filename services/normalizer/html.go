package normalizer

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blankLines = regexp.MustCompile(`\n\s*\n+`)

func HTMLToPlainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head").Each(func(i int, el *goquery.Selection) {
		el.Remove()
	})
	doc.Find("br").Each(func(i int, el *goquery.Selection) {
		el.ReplaceWithHtml("\n")
	})
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(i int, el *goquery.Selection) {
		el.AppendHtml("\n")
	})

	text := doc.Find("body").Text()
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = blankLines.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text), nil
}

// FillBodyVariants derives the plain text body from the html body when the
// backend only returned html.
func FillBodyVariants(text, html string) (string, string) {
	if strings.TrimSpace(text) != "" || strings.TrimSpace(html) == "" {
		return text, html
	}
	plain, err := HTMLToPlainText(html)
	if err != nil {
		return text, html
	}
	return plain, html
}
