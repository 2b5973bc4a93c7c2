package sanitize

import (
	"regexp"
	"strings"
)

// QuotedBlock is a contiguous run of quoted history at one depth.
type QuotedBlock struct {
	Depth       int    `json:"depth"`
	Content     string `json:"content"`
	Attribution string `json:"attribution,omitempty"`
}

var (
	// Reply headers introduce a quote that continues with ">" lines.
	replyAttributionRes = []*regexp.Regexp{
		regexp.MustCompile(`^On\s.+\swrote:\s*$`),
		regexp.MustCompile(`^Le\s.+\sa écrit\s?:\s*$`),
		regexp.MustCompile(`^Am\s.+\sschrieb\s.+:\s*$`),
		regexp.MustCompile(`^El\s.+\sescribió:\s*$`),
	}
	// Separators introduce a quote that runs to the end of the message.
	separatorAttributionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^-{2,}\s*Original Message\s*-{2,}$`),
		regexp.MustCompile(`(?i)^-{2,}\s*Forwarded message\s*-{2,}$`),
		regexp.MustCompile(`(?i)^From:.*\[mailto:`),
		regexp.MustCompile(`^_{3,}$`),
	}
)

func matchesAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// quoteDepth counts leading ">" markers, allowing spaces between them, and
// returns the line with the markers removed.
func quoteDepth(line string) (int, string) {
	depth := 0
	i := 0
	for i < len(line) {
		switch line[i] {
		case '>':
			depth++
			i++
		case ' ', '\t':
			if depth == 0 {
				return 0, line
			}
			j := i
			for j < len(line) && (line[j] == ' ' || line[j] == '\t') {
				j++
			}
			if j < len(line) && line[j] == '>' {
				i = j
				continue
			}
			return depth, line[j:]
		default:
			return depth, line[i:]
		}
	}
	return depth, ""
}

// partitionQuotes separates primary content from quoted history. Blank
// lines inside a quoted block neither flush nor extend it.
func partitionQuotes(text string) (string, []QuotedBlock) {
	var primary []string
	var blocks []QuotedBlock

	var cur *QuotedBlock
	var curLines []string
	forwarded := false

	flush := func() {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimSpace(strings.Join(curLines, "\n"))
		if cur.Content != "" || cur.Attribution != "" {
			blocks = append(blocks, *cur)
		}
		cur, curLines = nil, nil
	}
	start := func(depth int, attribution string) {
		flush()
		cur = &QuotedBlock{Depth: depth, Attribution: attribution}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			if cur == nil {
				primary = append(primary, line)
			}
			continue
		}

		if matchesAny(separatorAttributionRes, trimmed) {
			start(1, trimmed)
			forwarded = true
			continue
		}
		if matchesAny(replyAttributionRes, trimmed) {
			start(1, trimmed)
			continue
		}

		depth, content := quoteDepth(trimmed)
		if forwarded {
			if depth == 0 {
				depth = 1
			} else {
				depth++
			}
		}
		if depth > 0 && strings.TrimSpace(content) == "" {
			continue
		}
		if depth == 0 {
			flush()
			primary = append(primary, line)
			continue
		}
		if cur == nil || cur.Depth != depth {
			start(depth, "")
		}
		curLines = append(curLines, content)
	}
	flush()

	return collapseWhitespace(strings.Join(primary, "\n")), blocks
}
