package evidence

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/ppiankov/lexledger/internal/model"
)

// tabularShare is the fraction of visible text inside <table> above which an
// HTML document counts as tabular
const tabularShare = 0.5

// Classify determines the content kind from the bytes and an optional
// content-type hint
func Classify(raw []byte, hint string) model.ContentKind {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.ContentUnknown
	}

	ct := strings.ToLower(hint)
	if ct == "" {
		ct = http.DetectContentType(raw)
	}

	switch {
	case strings.HasPrefix(ct, "image/"), strings.Contains(ct, "application/pdf"), bytes.HasPrefix(raw, []byte("%PDF-")):
		// no text layer is extracted here; OCR happens upstream
		return model.ContentScanned
	case strings.Contains(ct, "text/csv"), strings.Contains(ct, "tab-separated"):
		return model.ContentTabular
	}

	if !utf8.Valid(raw) {
		return model.ContentUnknown
	}

	if strings.Contains(ct, "html") || strings.Contains(ct, "xml") || looksLikeHTML(raw) {
		return classifyHTML(raw)
	}
	if strings.HasPrefix(ct, "text/") {
		return model.ContentText
	}
	return model.ContentUnknown
}

func looksLikeHTML(raw []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(raw))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func classifyHTML(raw []byte) model.ContentKind {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return model.ContentHTML
	}

	var total, inTable int
	var walk func(n *html.Node, tableDepth int)
	walk = func(n *html.Node, tableDepth int) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "table":
				tableDepth++
			}
		}
		if n.Type == html.TextNode {
			l := len(strings.TrimSpace(n.Data))
			total += l
			if tableDepth > 0 {
				inTable += l
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, tableDepth)
		}
	}
	walk(doc, 0)

	if total == 0 {
		// markup without text, e.g. a page embedding a scanned image
		return model.ContentScanned
	}
	if float64(inTable)/float64(total) > tabularShare {
		return model.ContentTabular
	}
	return model.ContentHTML
}
