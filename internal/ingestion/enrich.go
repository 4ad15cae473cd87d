package ingestion

import (
	"sort"
	"strings"
	"unicode"

	"github.com/loomi/story-rag/internal/embedding"
	"github.com/loomi/story-rag/internal/story"
)

const (
	maxInferredThemes     = 3
	maxInferredCharacters = 5
)

var characterVocabulary = map[string]struct{}{}

func init() {
	for _, c := range []string{
		"fox", "lion", "mouse", "wolf", "lamb", "crow", "tortoise", "hare", "ant", "grasshopper",
		"dog", "cat", "frog", "goat", "donkey", "ass", "horse", "bull", "ox", "eagle", "owl",
		"monkey", "elephant", "tiger", "jackal", "crocodile", "snake", "serpent", "bear", "deer",
		"stag", "rabbit", "peacock", "crane", "stork", "goose", "hen", "cock", "dove", "bee",
		"king", "queen", "prince", "princess", "farmer", "shepherd", "woodcutter", "merchant",
		"brahmin", "giant", "fairy", "witch",
	} {
		characterVocabulary[c] = struct{}{}
	}
}

type themeRule struct {
	theme    string
	keywords []string
}

var themeRules = []themeRule{
	{"courage", []string{"brave", "bravery", "courage", "courageous", "bold", "fear", "afraid"}},
	{"kindness", []string{"kind", "kindness", "mercy", "merciful", "gentle", "help", "helped"}},
	{"honesty", []string{"honest", "honesty", "truth", "lie", "lied", "liar"}},
	{"greed", []string{"greed", "greedy", "covet", "wanted"}},
	{"patience", []string{"patience", "patient", "slow", "steady", "wait", "waited"}},
	{"friendship", []string{"friend", "friends", "friendship", "together"}},
	{"wisdom", []string{"wise", "wisdom", "clever", "cunning", "foolish", "fool"}},
	{"hard work", []string{"work", "worked", "labour", "labor", "diligent", "industry"}},
	{"pride", []string{"pride", "proud", "vain", "vanity", "boast", "boasted"}},
	{"gratitude", []string{"grateful", "gratitude", "thank", "thanks", "repay", "repaid"}},
}

// Enrich fills labels a corpus left empty: characters and themes from
// keyword matches, age group and difficulty from length. It then
// normalizes the document.
func Enrich(d *story.StoryDocument) {
	tokens := embedding.Tokenize(d.Title + " " + d.Content + " " + d.Moral)

	if len(d.Characters) == 0 {
		d.Characters = inferCharacters(embedding.Tokenize(d.Title), tokens)
	}
	if len(d.Themes) == 0 {
		d.Themes = inferThemes(tokens)
	}

	words := story.CountWords(d.Content)
	if strings.TrimSpace(d.AgeGroup) == "" {
		d.AgeGroup = ageGroupFor(words)
	}
	if strings.TrimSpace(d.Difficulty) == "" {
		d.Difficulty = difficultyFor(words)
	}

	d.Normalize()
}

// inferCharacters keeps title characters first, then the content's in
// order of appearance.
func inferCharacters(titleTokens, tokens []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range append(titleTokens, tokens...) {
		if _, ok := characterVocabulary[tok]; !ok {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, capitalize(tok))
		if len(out) == maxInferredCharacters {
			break
		}
	}
	return out
}

func inferThemes(tokens []string) []string {
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}

	type hit struct {
		theme string
		n     int
	}
	var hits []hit
	for _, rule := range themeRules {
		n := 0
		for _, kw := range rule.keywords {
			n += counts[kw]
		}
		if n > 0 {
			hits = append(hits, hit{rule.theme, n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].n > hits[j].n })

	out := make([]string, 0, maxInferredThemes)
	for _, h := range hits {
		if len(out) == maxInferredThemes {
			break
		}
		out = append(out, h.theme)
	}
	return out
}

func ageGroupFor(words int) string {
	switch {
	case words <= 150:
		return "3-6"
	case words <= 400:
		return "5-8"
	default:
		return "7-12"
	}
}

func difficultyFor(words int) string {
	switch {
	case words <= 150:
		return "easy"
	case words <= 400:
		return "medium"
	default:
		return "hard"
	}
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
