package ingest

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Document kinds accepted by ExtractText.
const (
	KindText = "text"
	KindHTML = "html"
	KindPDF  = "pdf"
)

// KindForPath maps a file extension to a document kind. It returns "" for
// files that are not indexed.
func KindForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		return KindText
	case ".html", ".htm":
		return KindHTML
	case ".pdf":
		return KindPDF
	}
	return ""
}

// ExtractText returns the plain text of a document body.
func ExtractText(kind string, data []byte) (string, error) {
	switch kind {
	case KindText, "":
		return strings.TrimSpace(string(data)), nil
	case KindHTML:
		return htmlText(data)
	case KindPDF:
		return pdfText(data)
	}
	return "", fmt.Errorf("unsupported document kind %q", kind)
}

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"nav":      true,
	"footer":   true,
	"svg":      true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "table": true, "ul": true, "ol": true,
}

func htmlText(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	space := false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if strings.TrimLeftFunc(n.Data, unicode.IsSpace) != n.Data {
				space = true
			}
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				if space && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(text)
				space = strings.TrimRightFunc(n.Data, unicode.IsSpace) != n.Data
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String()), nil
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}
