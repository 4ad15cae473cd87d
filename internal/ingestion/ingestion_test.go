package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomi/story-rag/internal/story"
)

const aesopText = `The Project Gutenberg eBook of Aesop's Fables

*** START OF THE PROJECT GUTENBERG EBOOK AESOP'S FABLES ***

CONTENTS

THE FOX AND THE GRAPES

THE LION AND THE MOUSE

THE FOX AND THE GRAPES

A hungry Fox saw some fine bunches of Grapes hanging from a vine.
He did his best to reach them by jumping as high as he could into
the air. But it was all in vain.

So he gave up trying, and walked away with an air of dignity and
unconcern, remarking, "I thought those Grapes were ripe, but I see
now they are quite sour."

_It is easy to despise what you cannot get._

THE LION AND THE MOUSE

A Lion lay asleep in the forest. A timid little Mouse came upon him
and ran across his nose. The Lion laid his huge paw on the Mouse. The
Mouse begged for mercy, and the Lion was kind and let him go. Later
the Mouse gnawed the ropes of a hunter's net and the Lion was free.

Moral: A kindness is never wasted.

*** END OF THE PROJECT GUTENBERG EBOOK AESOP'S FABLES ***

Licence text that must not become a story.
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseGutenberg(t *testing.T) {
	docs := ParseGutenberg(aesopText)

	require.Len(t, docs, 2)

	assert.Equal(t, "The Fox and the Grapes", docs[0].Title)
	assert.Equal(t, "It is easy to despise what you cannot get.", docs[0].Moral)
	assert.Contains(t, docs[0].Content, "quite sour")
	assert.NotContains(t, docs[0].Content, "despise")

	assert.Equal(t, "The Lion and the Mouse", docs[1].Title)
	assert.Equal(t, "A kindness is never wasted.", docs[1].Moral)
	assert.NotContains(t, docs[1].Content, "Licence")
}

func TestLoadFileText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "aesop_fables.txt", aesopText)

	docs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	lion := docs[1]
	assert.Equal(t, "aesop_fables", lion.Source)
	assert.Regexp(t, `^aesop_fables_[0-9a-f]{12}$`, lion.ID)
	assert.Equal(t, []string{"Lion", "Mouse"}, lion.Characters)
	assert.Contains(t, lion.Themes, "kindness")
	assert.Equal(t, "3-6", lion.AgeGroup)
	assert.Equal(t, "easy", lion.Difficulty)
	assert.Positive(t, lion.WordCount)
	assert.NoError(t, lion.Validate())

	again, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, lion.ID, again[1].ID)
}

func TestLoadFileStructuredFormats(t *testing.T) {
	dir := t.TempDir()

	jsonPath := writeFile(t, dir, "tales.json", `[
		{"id": "t1", "title": "The Clever Jackal", "content": "A jackal tricked a crocodile.", "themes": ["Wisdom"], "age_group": "6-9"}
	]`)
	wrappedPath := writeFile(t, dir, "wrapped.json", `{"stories": [{"title": "The Ant", "content": "The ant worked all summer."}]}`)
	yamlPath := writeFile(t, dir, "movies.yaml", `
stories:
  - id: m1
    title: The Brave Little Fish
    content: A small fish swam past the shark to save her friend.
    themes: [courage, friendship]
    characters: [Fish]
    moral: Friends help each other.
`)
	listYAMLPath := writeFile(t, dir, "facts.yml", `
- id: a1
  title: Elephants
  content: Elephants remember friends for many years.
`)

	docs, err := LoadFile(jsonPath)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "t1", docs[0].ID)
	assert.Equal(t, []string{"wisdom"}, docs[0].Themes)
	assert.Equal(t, "6-9", docs[0].AgeGroup)
	assert.Equal(t, []string{"Jackal", "Crocodile"}, docs[0].Characters)

	docs, err = LoadFile(wrappedPath)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotEmpty(t, docs[0].ID)
	assert.Equal(t, []string{"hard work"}, docs[0].Themes)

	docs, err = LoadFile(yamlPath)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Friends help each other.", docs[0].Moral)
	assert.Equal(t, []string{"Fish"}, docs[0].Characters)

	docs, err = LoadFile(listYAMLPath)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a1", docs[0].ID)
}

func TestLoadFileHTML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "jataka.html", `<html><head><title>The Monkey and the Crocodile</title>
<script>track()</script></head>
<body><nav>Home | Tales</nav>
<h1>The Monkey and the Crocodile</h1>
<p>A monkey lived in a tree by the river.</p>
<p>A crocodile wanted his heart, but the clever monkey escaped.</p>
<p class="moral">Presence of mind wins the day.</p>
<footer>Copyright</footer></body></html>`)

	docs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	d := docs[0]
	assert.Equal(t, "The Monkey and the Crocodile", d.Title)
	assert.Equal(t, "Presence of mind wins the day.", d.Moral)
	assert.Contains(t, d.Content, "clever monkey escaped")
	assert.NotContains(t, d.Content, "track()")
	assert.NotContains(t, d.Content, "Copyright")
	assert.NotContains(t, d.Content, "Presence of mind")
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(writeFile(t, dir, "notes.csv", "a,b"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = LoadFile(writeFile(t, dir, "broken.json", `[{"title":`))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

type recordingIndexer struct {
	calls [][]story.StoryDocument
}

func (r *recordingIndexer) IndexCollection(_ context.Context, docs []story.StoryDocument, _ string) (bool, error) {
	r.calls = append(r.calls, docs)
	return true, nil
}

func TestProcessorIndexDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "aesop_fables.txt", aesopText)
	writeFile(t, dir, "bad.json", `[{"id": "x1", "title": "", "content": "no title"}, {"id": "x2", "title": "Odd", "content": "Odd ages.", "age_group": "9-3"}]`)
	writeFile(t, dir, "README.md", "ignored")

	indexer := &recordingIndexer{}
	report, err := NewProcessor(indexer, "aesop_fables").IndexDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 4, report.Loaded)
	assert.Equal(t, 2, report.Valid)
	assert.Len(t, report.Invalid, 2)
	assert.True(t, report.Indexed)
	assert.Equal(t, 2, report.Stats.TotalDocuments)
	assert.Equal(t, 2, report.Stats.WithMoral)

	require.Len(t, indexer.calls, 1)
	for _, doc := range indexer.calls[0] {
		assert.Equal(t, "aesop_fables", doc.Collection)
	}
}

func TestProcessorDryRun(t *testing.T) {
	path := writeFile(t, t.TempDir(), "aesop_fables.txt", aesopText)

	report, err := NewProcessor(nil, "aesop_fables").IndexFiles(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Valid)
	assert.False(t, report.Indexed)
}

func TestWatchReportsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, 20*time.Millisecond, func(path string) { changed <- path })
	}()

	target := filepath.Join(dir, "new_tales.json")
	require.Eventually(t, func() bool {
		if err := os.WriteFile(filepath.Join(dir, "ignored.md"), []byte("x"), 0o644); err != nil {
			return false
		}
		if err := os.WriteFile(target, []byte(`[]`), 0o644); err != nil {
			return false
		}
		select {
		case path := <-changed:
			return path == target
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	for i := 0; i < 5; i++ {
		d.schedule("tales.json")
	}

	select {
	case path := <-d.ready:
		assert.Equal(t, "tales.json", path)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	select {
	case path := <-d.ready:
		t.Fatalf("unexpected second delivery of %s", path)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncerStopReleasesBlockedDeliveries(t *testing.T) {
	d := newDebouncer(time.Millisecond)

	// Nobody reads ready, so once its buffer is full the last delivery
	// blocks until stop.
	n := cap(d.ready) + 1
	for i := 0; i < n; i++ {
		d.schedule(fmt.Sprintf("tales_%d.json", i))
	}
	require.Eventually(t, func() bool {
		return len(d.ready) == cap(d.ready) && d.sending.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	d.stop()

	require.Eventually(t, func() bool {
		return d.sending.Load() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
