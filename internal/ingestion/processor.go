package ingestion

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/pkg/logger"
)

const statsTopN = 5

// Indexer writes documents to a collection; *vector.Manager satisfies it.
type Indexer interface {
	IndexCollection(ctx context.Context, docs []story.StoryDocument, collection string) (bool, error)
}

type InvalidDocument struct {
	Path string `json:"path"`
	ID   string `json:"id"`
	Err  string `json:"error"`
}

// Report describes one ingestion run.
type Report struct {
	Collection string             `json:"collection"`
	Files      int                `json:"files"`
	Loaded     int                `json:"loaded"`
	Valid      int                `json:"valid"`
	Invalid    []InvalidDocument  `json:"invalid"`
	Indexed    bool               `json:"indexed"`
	Stats      story.DatasetStats `json:"stats"`
}

// Processor loads corpus files, validates them and indexes the valid
// stories into one collection. A nil indexer makes it a dry run.
type Processor struct {
	indexer    Indexer
	collection string
}

func NewProcessor(indexer Indexer, collection string) *Processor {
	return &Processor{indexer: indexer, collection: collection}
}

func (p *Processor) IndexDir(ctx context.Context, dir string) (*Report, error) {
	files, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return p.index(ctx, files)
}

// IndexFiles re-indexes only the given files. Stories keep their ids, so
// changed stories replace their previous version.
func (p *Processor) IndexFiles(ctx context.Context, paths ...string) (*Report, error) {
	files := make(map[string][]story.StoryDocument, len(paths))
	for _, path := range paths {
		docs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		files[path] = docs
	}
	return p.index(ctx, files)
}

func (p *Processor) index(ctx context.Context, files map[string][]story.StoryDocument) (*Report, error) {
	report := &Report{
		Collection: p.collection,
		Files:      len(files),
		Invalid:    []InvalidDocument{},
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var valid []story.StoryDocument
	for _, path := range paths {
		docs := files[path]
		report.Loaded += len(docs)
		for _, doc := range docs {
			doc.Collection = p.collection
			if err := doc.Validate(); err != nil {
				report.Invalid = append(report.Invalid, InvalidDocument{Path: path, ID: doc.ID, Err: err.Error()})
				continue
			}
			valid = append(valid, doc)
		}
	}

	report.Valid = len(valid)
	report.Stats = story.Analyze(valid, statsTopN)

	logger.Info("Corpus loaded",
		zap.String("collection", p.collection),
		zap.Int("files", report.Files),
		zap.Int("loaded", report.Loaded),
		zap.Int("invalid", len(report.Invalid)),
	)

	if p.indexer == nil || len(valid) == 0 {
		return report, nil
	}

	indexed, err := p.indexer.IndexCollection(ctx, valid, p.collection)
	if err != nil {
		return report, fmt.Errorf("failed to index %s: %w", p.collection, err)
	}
	report.Indexed = indexed
	return report, nil
}
