package vector

import (
	"context"
	"errors"
	"math"
	"sort"
)

var ErrCollectionNotFound = errors.New("collection not found")

// Record is one stored document with its embedding.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata map[string]string
}

// Hit is a query match. Distance is cosine distance in [0, 2]; lower is
// closer.
type Hit struct {
	ID       string
	Document string
	Metadata map[string]string
	Distance float64
}

// Backend is a vector index. Upsert creates the collection when absent and
// replaces records with an existing id. Query returns ErrCollectionNotFound
// for unknown collections; Count returns 0 for them.
type Backend interface {
	Upsert(ctx context.Context, collection string, records []Record) error
	Query(ctx context.Context, collection string, vector []float32, k int) ([]Hit, error)
	Count(ctx context.Context, collection string) (int, error)
	Collections(ctx context.Context) ([]string, error)
	Close() error
}

// Similarity maps a cosine distance onto [0, 1] where 1 is identical.
func Similarity(distance float64) float64 {
	s := 1 - distance/2
	switch {
	case math.IsNaN(s):
		return 0
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// CosineDistance is 1 - cos(a, b). Zero vectors are treated as orthogonal.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Max(0, math.Min(2, d))
}

// Rank scores records against q by brute force and returns the k closest.
// Ties keep the order of records.
func Rank(q []float32, records []Record, k int) []Hit {
	hits := make([]Hit, 0, len(records))
	for _, r := range records {
		hits = append(hits, Hit{
			ID:       r.ID,
			Document: r.Document,
			Metadata: cloneMetadata(r.Metadata),
			Distance: CosineDistance(q, r.Vector),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func cloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
