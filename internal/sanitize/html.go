package sanitize

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	hrefRe    = regexp.MustCompile(`(?i)\bhref\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)
	commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	styleRe   = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	scriptRe  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	openRe    = regexp.MustCompile(`(?i)<(style|script)\b`)
	tagRe     = regexp.MustCompile(`<(/?)([a-zA-Z][a-zA-Z0-9]*)\b([^>]*)>`)
	blockRe   = regexp.MustCompile(`(?i)</?(?:p|div|br|tr|table|h[1-6]|blockquote|section|article|header|footer|ul|ol|pre|hr|center|dl|dt|dd)\b[^>]*>`)
	liRe      = regexp.MustCompile(`(?i)<li\b[^>]*>`)
	anyTagRe  = regexp.MustCompile(`(?s)</?[a-zA-Z!][^>]*>`)
	entityRe  = regexp.MustCompile(`&(#[0-9]{1,10}|#[xX][0-9a-fA-F]{1,8}|[a-zA-Z][a-zA-Z0-9]{1,7});`)

	styleAttrRe  = regexp.MustCompile(`(?i)\bstyle\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	hiddenAttrRe = regexp.MustCompile(`(?i)(?:^|\s)hidden(?:\s|=|/|$)`)
	quotedRe     = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	hiddenStyles = []*regexp.Regexp{
		regexp.MustCompile(`(?i)display\s*:\s*none`),
		regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
		regexp.MustCompile(`(?i)font-size\s*:\s*0+(?:\.0+)?(?:px|pt|em|rem|%)?\s*(?:;|!|$)`),
		regexp.MustCompile(`(?i)opacity\s*:\s*0+(?:\.0+)?\s*(?:;|!|$)`),
		regexp.MustCompile(`(?i)(?:^|[;\s])(?:max-)?(?:width|height)\s*:\s*0+(?:px|pt|em|rem|%)?\s*(?:;|!|$)`),
	}
)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

var namedEntities = map[string]string{
	"amp": "&", "lt": "<", "gt": ">", "quot": `"`, "apos": "'",
	"nbsp": " ", "copy": "©", "reg": "®", "trade": "™", "hellip": "…",
	"mdash": "—", "ndash": "–", "lsquo": "‘", "rsquo": "’", "ldquo": "“",
	"rdquo": "”", "bull": "•", "middot": "·", "euro": "€", "pound": "£",
	"yen": "¥", "cent": "¢", "sect": "§", "deg": "°", "times": "×",
	"divide": "÷", "laquo": "«", "raquo": "»", "shy": "\u00AD",
	"zwj": "\u200D", "zwnj": "\u200C", "iexcl": "¡", "iquest": "¿",
}

// extractHrefs returns every href attribute value in document order.
func extractHrefs(html string) []string {
	var out []string
	for _, m := range hrefRe.FindAllStringSubmatch(html, -1) {
		v := m[1] + m[2] + m[3]
		v = strings.TrimSpace(decodeEntities(v))
		if v != "" && !strings.HasPrefix(v, "#") && !strings.HasPrefix(strings.ToLower(v), "mailto:") {
			out = append(out, v)
		}
	}
	return out
}

// stripHTML converts an HTML document to plain text. The second return is
// true when comments, style or script blocks, or hidden elements were removed.
func stripHTML(html string) (string, bool) {
	removed := false
	s := html

	if out := commentRe.ReplaceAllString(s, ""); out != s {
		s, removed = out, true
	}
	if i := strings.Index(s, "<!--"); i >= 0 {
		s, removed = s[:i], true
	}
	for _, re := range []*regexp.Regexp{styleRe, scriptRe} {
		if out := re.ReplaceAllString(s, ""); out != s {
			s, removed = out, true
		}
	}
	if loc := openRe.FindStringIndex(s); loc != nil {
		s, removed = s[:loc[0]], true
	}
	if out, ok := removeHidden(s); ok {
		s, removed = out, true
	}

	s = blockRe.ReplaceAllString(s, "\n")
	s = liRe.ReplaceAllString(s, "\n• ")
	s = anyTagRe.ReplaceAllString(s, "")
	return decodeEntities(s), removed
}

func isHidden(attrs string) bool {
	if hiddenAttrRe.MatchString(quotedRe.ReplaceAllString(attrs, `""`)) {
		return true
	}
	for _, m := range styleAttrRe.FindAllStringSubmatch(attrs, -1) {
		style := m[1] + m[2]
		for _, re := range hiddenStyles {
			if re.MatchString(style) {
				return true
			}
		}
	}
	return false
}

func selfClosing(attrs string) bool {
	return strings.HasSuffix(strings.TrimSpace(attrs), "/")
}

// removeHidden drops every element whose attributes mark it invisible,
// matching the close tag by nesting depth. An element that is never closed
// extends to the end of the document.
func removeHidden(s string) (string, bool) {
	tags := tagRe.FindAllStringSubmatchIndex(s, -1)
	var b strings.Builder
	last := 0
	removed := false
	for i, m := range tags {
		if m[0] < last || m[3] > m[2] {
			continue
		}
		attrs := s[m[6]:m[7]]
		if !isHidden(attrs) {
			continue
		}
		name := s[m[4]:m[5]]
		end := len(s)
		if voidElements[strings.ToLower(name)] || selfClosing(attrs) {
			end = m[1]
		} else {
			depth := 1
			for _, t := range tags[i+1:] {
				if !strings.EqualFold(s[t[4]:t[5]], name) {
					continue
				}
				if t[3] > t[2] {
					depth--
					if depth == 0 {
						end = t[1]
						break
					}
				} else if !selfClosing(s[t[6]:t[7]]) {
					depth++
				}
			}
		}
		b.WriteString(s[last:m[0]])
		last = end
		removed = true
	}
	if !removed {
		return s, false
	}
	b.WriteString(s[last:])
	return b.String(), true
}

// decodeEntities decodes named and numeric character references in a single
// pass. Numeric references outside [1, 65535] or in the surrogate range are
// dropped. Unknown named references are left as written.
func decodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityRe.ReplaceAllStringFunc(s, func(ent string) string {
		body := ent[1 : len(ent)-1]
		if body[0] != '#' {
			if v, ok := namedEntities[strings.ToLower(body)]; ok {
				return v
			}
			return ent
		}
		var n uint64
		var err error
		if len(body) > 1 && (body[1] == 'x' || body[1] == 'X') {
			n, err = strconv.ParseUint(body[2:], 16, 32)
		} else {
			n, err = strconv.ParseUint(body[1:], 10, 32)
		}
		if err != nil || n < 1 || n > 0xFFFF || (n >= 0xD800 && n <= 0xDFFF) {
			return ""
		}
		return string(rune(n))
	})
}
