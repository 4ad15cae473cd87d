package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"

	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/pkg/utils"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported corpus format")

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Supported reports whether path has a corpus extension the loader reads.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".html", ".htm", ".txt":
		return true
	}
	return false
}

// LoadFile reads one corpus file. Structured files hold a list of stories,
// either bare or under a "stories" key; HTML holds one tale; text files are
// Gutenberg-style collections. Missing labels are inferred.
func LoadFile(path string) ([]story.StoryDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	source := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var docs []story.StoryDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		docs, err = decodeJSON(data)
	case ".yaml", ".yml":
		docs, err = decodeYAML(data)
	case ".html", ".htm":
		docs, err = parseHTML(data)
	case ".txt":
		docs = ParseGutenberg(string(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for i := range docs {
		if docs[i].Source == "" {
			docs[i].Source = source
		}
		if docs[i].ID == "" {
			docs[i].ID = documentID(source, docs[i].Title, i)
		}
		Enrich(&docs[i])
	}
	return docs, nil
}

// LoadDir loads every supported file directly under dir, in name order.
func LoadDir(dir string) (map[string][]story.StoryDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && Supported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string][]story.StoryDocument, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		docs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		out[path] = docs
	}
	return out, nil
}

type storyList struct {
	Stories []story.StoryDocument `json:"stories" yaml:"stories"`
}

func decodeJSON(data []byte) ([]story.StoryDocument, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var list storyList
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list.Stories, nil
	}
	var docs []story.StoryDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func decodeYAML(data []byte) ([]story.StoryDocument, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	if node.Content[0].Kind == yaml.MappingNode {
		var list storyList
		if err := node.Decode(&list); err != nil {
			return nil, err
		}
		return list.Stories, nil
	}
	var docs []story.StoryDocument
	if err := node.Decode(&docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// parseHTML extracts a single tale. An element with class "moral" supplies
// the moral; otherwise a trailing "Moral:" line does.
func parseHTML(data []byte) ([]story.StoryDocument, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	moral := cleanText(doc.Find(".moral").First().Text())
	doc.Find(".moral, script, style, nav, footer, header, aside, h1").Remove()

	content := cleanText(doc.Find("body").Text())
	if moral == "" {
		content, moral = splitMoral(content)
	}
	if content == "" {
		return nil, nil
	}

	return []story.StoryDocument{{Title: title, Content: content, Moral: moral}}, nil
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

var inlineMoralPattern = regexp.MustCompile(`(?i)\s*moral\s*:\s*(.+)$`)

func splitMoral(content string) (string, string) {
	loc := inlineMoralPattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return content, ""
	}
	return strings.TrimSpace(content[:loc[0]]), strings.TrimSpace(content[loc[2]:loc[3]])
}

func documentID(source, title string, index int) string {
	key := strings.ToLower(strings.TrimSpace(title))
	if key == "" {
		key = fmt.Sprintf("#%d", index)
	}
	return source + "_" + utils.HashString(source+"/"+key)[:12]
}
