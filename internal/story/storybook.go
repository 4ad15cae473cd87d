package story

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/loomi/story-rag/pkg/utils"
)

// MalformedResponseError reports structured model output that does not match
// the storybook schema.
type MalformedResponseError struct {
	Field  string
	Reason string
	Raw    string
}

func (e *MalformedResponseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed response: %s", e.Reason)
	}
	return fmt.Sprintf("malformed response: field %s: %s", e.Field, e.Reason)
}

type StorybookCharacter struct {
	Name     string `json:"character_name" validate:"required"`
	Features string `json:"character_features"`
}

type StorybookPage struct {
	Number             int    `json:"page_num" validate:"gte=1"`
	Text               string `json:"page_text" validate:"required"`
	PictureDescription string `json:"page_picture_description"`
}

type Storybook struct {
	Title                   string               `json:"title" validate:"required"`
	Characters              []StorybookCharacter `json:"characters" validate:"dive"`
	CoverPictureDescription string               `json:"cover_picture_description"`
	NumberOfPages           int                  `json:"number_of_pages" validate:"gte=0"`
	Pages                   []StorybookPage      `json:"pages" validate:"required,min=1,dive"`
}

// LooksStructured reports whether content is shaped like a JSON object and
// should go through ParseStorybook.
func LooksStructured(content string) bool {
	trimmed := strings.TrimSpace(stripFence(content))
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

func ParseStorybook(raw string) (*Storybook, error) {
	body := strings.TrimSpace(stripFence(raw))

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var book Storybook
	if err := dec.Decode(&book); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &MalformedResponseError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String(), Raw: utils.Truncate(raw, 200)}
		}
		return nil, &MalformedResponseError{Reason: err.Error(), Raw: utils.Truncate(raw, 200)}
	}

	if err := documentValidator().Struct(book); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &MalformedResponseError{Field: verrs[0].Namespace(), Reason: "failed " + verrs[0].Tag(), Raw: utils.Truncate(raw, 200)}
		}
		return nil, &MalformedResponseError{Reason: err.Error(), Raw: utils.Truncate(raw, 200)}
	}

	if book.NumberOfPages != 0 && book.NumberOfPages != len(book.Pages) {
		return nil, &MalformedResponseError{
			Field:  "Storybook.NumberOfPages",
			Reason: fmt.Sprintf("declares %d pages but has %d", book.NumberOfPages, len(book.Pages)),
			Raw:    utils.Truncate(raw, 200),
		}
	}

	return &book, nil
}

// Text joins the page texts in page order.
func (b *Storybook) Text() string {
	texts := make([]string, 0, len(b.Pages))
	for _, p := range b.Pages {
		texts = append(texts, strings.TrimSpace(p.Text))
	}
	return strings.Join(texts, "\n\n")
}

func (b *Storybook) PageCount() int {
	return len(b.Pages)
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
