package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Content kinds detected by sniffKind.
const (
	kindPDF      = "pdf"
	kindHTML     = "html"
	kindMarkdown = "markdown"
	kindText     = "text"
)

// sniffKind picks a content kind from, in order of trust: the source's
// file extension, the transport content-type hint, and the leading
// bytes. Anything unrecognized is treated as plain text.
func sniffKind(source, hint string, data []byte) string {
	switch strings.ToLower(filepath.Ext(source)) {
	case ".pdf":
		return kindPDF
	case ".html", ".htm":
		return kindHTML
	case ".md", ".markdown":
		return kindMarkdown
	case ".txt":
		return kindText
	}

	hint = strings.ToLower(hint)
	switch {
	case strings.Contains(hint, "application/pdf"):
		return kindPDF
	case strings.Contains(hint, "text/html"):
		return kindHTML
	case strings.Contains(hint, "markdown"):
		return kindMarkdown
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return kindPDF
	}
	head := strings.ToLower(string(data[:min(len(data), 256)]))
	head = strings.TrimLeft(head, " \t\r\n")
	if strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") {
		return kindHTML
	}
	return kindText
}

// extractText reduces raw bytes to plain text for chunking. Markdown
// passes through untouched; its structure survives paragraph chunking
// as-is.
func extractText(kind string, data []byte) (string, error) {
	switch kind {
	case kindPDF:
		return extractPDF(data)
	case kindHTML:
		return extractHTML(data)
	default:
		return string(data), nil
	}
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading extracted text: %w", err)
	}
	return buf.String(), nil
}

// blockTags close a paragraph when their element ends.
var blockTags = map[string]bool{
	"p": true, "div": true, "article": true, "section": true,
	"li": true, "tr": true, "pre": true, "blockquote": true, "br": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// extractHTML walks the node tree collecting text, skipping script and
// style subtrees, and inserting paragraph breaks after block elements.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			sb.WriteString("\n\n")
		}
	}
	walk(doc)
	return strings.TrimSpace(sb.String()), nil
}
