package pipeline

import (
	"bytes"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// skipped elements never contribute text.
var skipped = map[string]bool{
	"script": true,
	"style":  true,
	"head":   true,
	"title":  true,
	// inline XBRL header carries hidden facts
	"ix:header": true,
}

// ExtractText returns the visible text of an HTML document with runs of
// whitespace collapsed, truncated to limit bytes (0 means no limit).
func ExtractText(doc []byte, limit int) string {
	z := html.NewTokenizer(bytes.NewReader(doc))
	var b strings.Builder
	depth := 0
	space := true

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed document; keep what was read
			return finish(b.String(), limit)

		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if skipped[string(name)] {
				if tt == html.SelfClosingTagToken {
					continue
				}
				if tt == html.StartTagToken {
					depth++
				} else if depth > 0 {
					depth--
				}
				continue
			}
			if isBlock(string(name)) && !space {
				b.WriteByte('\n')
				space = true
			}

		case html.TextToken:
			if depth > 0 {
				continue
			}
			for _, r := range string(z.Text()) {
				if unicode.IsSpace(r) {
					if !space {
						b.WriteByte(' ')
						space = true
					}
					continue
				}
				b.WriteRune(r)
				space = false
			}
		}

		if limit > 0 && b.Len() >= limit {
			return finish(b.String(), limit)
		}
	}
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "br", "tr", "li", "table", "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

func finish(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit > 0 && len(s) > limit {
		s = strings.ToValidUTF8(s[:limit], "")
	}
	return s
}
