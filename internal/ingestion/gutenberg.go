package ingestion

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/loomi/story-rag/internal/story"
)

const (
	maxTitleLength = 80
	maxMoralWords  = 20
)

var (
	gutenbergStart = regexp.MustCompile(`(?m)^\*\*\*\s*START OF.*$`)
	gutenbergEnd   = regexp.MustCompile(`(?m)^\*\*\*\s*END OF.*$`)
	blankLines     = regexp.MustCompile(`\n[ \t]*\n`)
	moralPrefix    = regexp.MustCompile(`(?i)^moral\s*[:.-]\s*`)
)

type block struct {
	text  string
	lines int
}

// ParseGutenberg splits a plain-text collection into tales. A tale starts
// at a single upper-case line and runs until the next one; a short final
// paragraph, or one starting with "Moral:", is its moral. Licence header
// and footer are dropped.
func ParseGutenberg(text string) []story.StoryDocument {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if loc := gutenbergStart.FindStringIndex(text); loc != nil {
		text = text[loc[1]:]
	}
	if loc := gutenbergEnd.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}

	var (
		docs    []story.StoryDocument
		title   string
		paras   []string
		inStory bool
	)
	flush := func() {
		if inStory && len(paras) > 0 {
			docs = append(docs, newTale(title, paras))
		}
		paras = nil
	}

	for _, b := range splitBlocks(text) {
		if isTitle(b) {
			flush()
			title = titleCase(b.text)
			inStory = true
			continue
		}
		if inStory {
			paras = append(paras, b.text)
		}
	}
	flush()

	return docs
}

func newTale(title string, paras []string) story.StoryDocument {
	moral := ""
	last := paras[len(paras)-1]
	switch {
	case moralPrefix.MatchString(last):
		moral = moralPrefix.ReplaceAllString(last, "")
		paras = paras[:len(paras)-1]
	case len(paras) > 1 && story.CountWords(last) <= maxMoralWords:
		moral = last
		paras = paras[:len(paras)-1]
	}

	return story.StoryDocument{
		Title:   title,
		Content: strings.Join(paras, "\n\n"),
		Moral:   moral,
	}
}

func splitBlocks(text string) []block {
	var out []block
	for _, raw := range blankLines.Split(text, -1) {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		joined := strings.ReplaceAll(strings.Join(lines, " "), "_", "")
		out = append(out, block{text: joined, lines: len(lines)})
	}
	return out
}

func isTitle(b block) bool {
	if b.lines != 1 || len(b.text) > maxTitleLength {
		return false
	}
	letters := 0
	for _, r := range b.text {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

var minorWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "of": {}, "in": {}, "on": {}, "to": {}, "at": {}, "his": {}, "her": {},
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(strings.TrimRight(s, ".")))
	for i, w := range words {
		if _, minor := minorWords[w]; minor && i > 0 {
			continue
		}
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
