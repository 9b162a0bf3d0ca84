package fusion

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ContextBuilder assembles the bounded, source-labeled context string the
// generation layer receives. Entries are added in rank order until the
// character budget runs out; an entry is never truncated mid-way.
type ContextBuilder struct {
	maxChars int
}

func NewContextBuilder(maxChars int) *ContextBuilder {
	if maxChars <= 0 {
		maxChars = 6000
	}
	return &ContextBuilder{maxChars: maxChars}
}

func (b *ContextBuilder) Build(results []Result) string {
	var sb strings.Builder
	excerptN := 0

	for _, r := range results {
		section := b.section(r, &excerptN)
		if sb.Len()+len(section) > b.maxChars {
			break
		}
		sb.WriteString(section)
	}

	return strings.TrimRight(sb.String(), "\n")
}

func (b *ContextBuilder) section(r Result, excerptN *int) string {
	content := stripMarkup(r.Content)

	switch r.Kind {
	case KindChunk:
		*excerptN++
		header := fmt.Sprintf("[Lesson excerpt %d: %s]", *excerptN, r.Title)
		if r.Locator != "" {
			header += fmt.Sprintf(" (%s)", r.Locator)
		}
		return fmt.Sprintf("%s\n%s\n\n", header, content)
	case KindKnowledge:
		return fmt.Sprintf("[Knowledge: %s]\n%s\n\n", r.Title, content)
	case KindQA:
		return fmt.Sprintf("[Q&A]\n%s\n\n", content)
	default:
		return ""
	}
}

// stripMarkup reduces HTML-bearing chunk content to plain text. Chunks
// ingested from converted documents sometimes keep their markup.
func stripMarkup(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	text := strings.TrimSpace(doc.Text())
	if text == "" {
		return s
	}
	return text
}
