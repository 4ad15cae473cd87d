package retrieval

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	StrategyPlain     Strategy = "plain"
	StrategyTheme     Strategy = "theme"
	StrategyCharacter Strategy = "character"
	StrategyMoral     Strategy = "moral"
	StrategyAgeGroup  Strategy = "age_group"
	StrategySmart     Strategy = "smart"
)

// Params carries the inputs a strategy template may use.
type Params struct {
	Query     string `json:"query,omitempty"`
	Theme     string `json:"theme,omitempty"`
	Character string `json:"character,omitempty"`
	Moral     string `json:"moral,omitempty"`
	AgeGroup  string `json:"age_group,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

// templates turns strategy parameters into the text that is embedded. Every
// strategy shares the same semantic search; only the query differs.
var templates = map[Strategy]func(Params) string{
	StrategyPlain: func(p Params) string {
		return p.Query
	},
	StrategyTheme: func(p Params) string {
		return fmt.Sprintf("a tale about %[1]s, %[1]s and %[1]s lessons", p.Theme)
	},
	StrategyCharacter: func(p Params) string {
		return fmt.Sprintf("a story featuring %[1]s, where %[1]s is the main character", p.Character)
	},
	StrategyMoral: func(p Params) string {
		return fmt.Sprintf("a fable whose moral teaches %[1]s, a lesson about %[1]s", p.Moral)
	},
	StrategyAgeGroup: func(p Params) string {
		topic := p.Topic
		if topic == "" {
			topic = p.Query
		}
		return fmt.Sprintf("%s for children aged %s", topic, p.AgeGroup)
	},
	StrategySmart: func(p Params) string {
		return p.Query
	},
}

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return StrategySmart, nil
	}
	if _, ok := templates[st]; !ok {
		return "", fmt.Errorf("unknown retrieval strategy %q", s)
	}
	return st, nil
}

// BuildQuery renders the search text for a strategy. Blank inputs render an
// empty query.
func BuildQuery(strategy Strategy, p Params) string {
	tmpl, ok := templates[strategy]
	if !ok {
		return ""
	}
	if !hasInput(strategy, p) {
		return ""
	}
	return strings.TrimSpace(tmpl(p))
}

func hasInput(strategy Strategy, p Params) bool {
	switch strategy {
	case StrategyTheme:
		return strings.TrimSpace(p.Theme) != ""
	case StrategyCharacter:
		return strings.TrimSpace(p.Character) != ""
	case StrategyMoral:
		return strings.TrimSpace(p.Moral) != ""
	case StrategyAgeGroup:
		return strings.TrimSpace(p.AgeGroup) != "" && (strings.TrimSpace(p.Topic) != "" || strings.TrimSpace(p.Query) != "")
	default:
		return strings.TrimSpace(p.Query) != ""
	}
}
