package story

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/loomi/story-rag/pkg/utils"
)

var ErrInvalidDocument = errors.New("invalid story document")

const (
	DefaultAgeGroup   = "all"
	DefaultDifficulty = "medium"
)

var ageGroupPattern = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})$`)

// StoryDocument is one corpus entry. It is immutable once indexed.
type StoryDocument struct {
	ID         string   `json:"id" yaml:"id" validate:"required,max=256"`
	Title      string   `json:"title" yaml:"title" validate:"required"`
	Content    string   `json:"content" yaml:"content" validate:"required"`
	Themes     []string `json:"themes" yaml:"themes"`
	Characters []string `json:"characters" yaml:"characters"`
	Moral      string   `json:"moral,omitempty" yaml:"moral"`
	AgeGroup   string   `json:"age_group" yaml:"age_group" validate:"agegroup"`
	Difficulty string   `json:"difficulty" yaml:"difficulty" validate:"oneof=easy medium hard"`
	Source     string   `json:"source,omitempty" yaml:"source"`
	Collection string   `json:"collection,omitempty" yaml:"collection"`
	WordCount  int      `json:"word_count" yaml:"word_count"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func documentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("agegroup", func(fl validator.FieldLevel) bool {
			return ValidAgeGroup(fl.Field().String())
		})
	})
	return validate
}

// ValidAgeGroup accepts "all" or an ascending "N-M" range.
func ValidAgeGroup(ageGroup string) bool {
	if ageGroup == DefaultAgeGroup {
		return true
	}
	m := ageGroupPattern.FindStringSubmatch(ageGroup)
	if m == nil {
		return false
	}
	low, _ := strconv.Atoi(m[1])
	high, _ := strconv.Atoi(m[2])
	return low <= high
}

// Normalize trims fields, dedupes the theme and character sets, fills label
// defaults and recomputes WordCount.
func (d *StoryDocument) Normalize() {
	d.ID = strings.TrimSpace(d.ID)
	d.Title = strings.TrimSpace(d.Title)
	d.Content = strings.TrimSpace(d.Content)
	d.Moral = strings.TrimSpace(d.Moral)
	d.Source = strings.TrimSpace(d.Source)
	d.Themes = utils.DedupeStrings(lowerAll(d.Themes))
	d.Characters = utils.DedupeStrings(d.Characters)

	d.AgeGroup = strings.ReplaceAll(strings.TrimSpace(d.AgeGroup), " ", "")
	if d.AgeGroup == "" {
		d.AgeGroup = DefaultAgeGroup
	}
	d.Difficulty = strings.ToLower(strings.TrimSpace(d.Difficulty))
	if d.Difficulty == "" {
		d.Difficulty = DefaultDifficulty
	}

	d.WordCount = CountWords(d.Content)
}

func (d StoryDocument) Validate() error {
	if err := documentValidator().Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q (value %q)", ErrInvalidDocument, strings.ToLower(fe.Field()), fe.Tag(), fmt.Sprint(fe.Value()))
		}
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// EmbeddingText is the text that represents the document in vector space.
func (d StoryDocument) EmbeddingText() string {
	parts := []string{d.Title, d.Content}
	if len(d.Themes) > 0 {
		parts = append(parts, strings.Join(d.Themes, " "))
	}
	if len(d.Characters) > 0 {
		parts = append(parts, strings.Join(d.Characters, " "))
	}
	if d.Moral != "" {
		parts = append(parts, d.Moral)
	}
	return strings.Join(parts, "\n")
}

// Metadata flattens the document into the string map every vector backend
// stores next to the vector. List fields are JSON arrays so values may
// contain commas.
func (d StoryDocument) Metadata() map[string]string {
	return map[string]string{
		"title":      d.Title,
		"themes":     encodeList(d.Themes),
		"characters": encodeList(d.Characters),
		"moral":      d.Moral,
		"age_group":  d.AgeGroup,
		"difficulty": d.Difficulty,
		"source":     d.Source,
		"collection": d.Collection,
		"word_count": strconv.Itoa(d.WordCount),
	}
}

func FromMetadata(id, content string, metadata map[string]string) StoryDocument {
	wordCount, err := strconv.Atoi(metadata["word_count"])
	if err != nil {
		wordCount = CountWords(content)
	}
	return StoryDocument{
		ID:         id,
		Title:      metadata["title"],
		Content:    content,
		Themes:     decodeList(metadata["themes"]),
		Characters: decodeList(metadata["characters"]),
		Moral:      metadata["moral"],
		AgeGroup:   metadata["age_group"],
		Difficulty: metadata["difficulty"],
		Source:     metadata["source"],
		Collection: metadata["collection"],
		WordCount:  wordCount,
	}
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	b, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(b)
}

// decodeList reads a JSON array and falls back to a comma separated list
// for metadata written by hand or by older indexes.
func decodeList(value string) []string {
	if strings.HasPrefix(strings.TrimSpace(value), "[") {
		var values []string
		if err := json.Unmarshal([]byte(value), &values); err == nil {
			return utils.DedupeStrings(values)
		}
	}
	return utils.SplitList(value)
}

func CountWords(text string) int {
	return len(strings.Fields(text))
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
