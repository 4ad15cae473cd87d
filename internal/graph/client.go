package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/pkg/circuitbreaker"
	"github.com/loomi/story-rag/pkg/logger"
	"github.com/loomi/story-rag/pkg/retry"
)

// Client keeps a story graph in Neo4j:
// (:Story)-[:HAS_THEME]->(:Theme) and (:Story)-[:FEATURES]->(:Character).
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		Name:           "neo4j",
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		timeout:     10 * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(context.Context, neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(ctx, session)
		})
	})
}

// SyncStories merges the stories of a collection with their themes and
// characters.
func (c *Client) SyncStories(ctx context.Context, collection string, docs []story.StoryDocument) error {
	if len(docs) == 0 {
		return nil
	}

	query := `
		UNWIND $stories AS s
		MERGE (st:Story {id: s.id})
		SET st.title = s.title,
		    st.moral = s.moral,
		    st.age_group = s.age_group,
		    st.collection = $collection,
		    st.updated_at = timestamp()
		WITH st, s
		CALL {
			WITH st, s
			UNWIND s.themes AS theme
			MERGE (t:Theme {name: theme})
			MERGE (st)-[:HAS_THEME]->(t)
		}
		CALL {
			WITH st, s
			UNWIND s.characters AS character
			MERGE (ch:Character {name: character})
			MERGE (st)-[:FEATURES]->(ch)
		}
	`

	params := map[string]any{
		"collection": collection,
		"stories":    storyParams(docs),
	}

	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			return result.Consume(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to sync stories: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if total, err := c.CountStories(ctx); err == nil {
		metrics.GraphStories.Set(float64(total))
	}

	logger.Debug("Stories synced to graph", zap.String("collection", collection), zap.Int("count", len(docs)))
	return nil
}

// RelatedThemes returns the themes that most often share a story with theme.
func (c *Client) RelatedThemes(ctx context.Context, theme string, limit int) ([]string, error) {
	query := `
		MATCH (t:Theme {name: $theme})<-[:HAS_THEME]-(:Story)-[:HAS_THEME]->(other:Theme)
		WHERE other.name <> $theme
		RETURN other.name AS name, count(*) AS shared
		ORDER BY shared DESC, name ASC
		LIMIT $limit
	`

	var themes []string
	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, query, map[string]any{
				"theme": strings.ToLower(strings.TrimSpace(theme)),
				"limit": limit,
			})
			if err != nil {
				return nil, err
			}

			var names []string
			for result.Next(ctx) {
				if name, ok := result.Record().Get("name"); ok {
					if s, ok := name.(string); ok {
						names = append(names, s)
					}
				}
			}
			return names, result.Err()
		})
		if err != nil {
			return fmt.Errorf("failed to query related themes: %w", err)
		}
		themes, _ = out.([]string)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return themes, nil
}

// KnownThemes lists every theme node.
func (c *Client) KnownThemes(ctx context.Context) ([]string, error) {
	var themes []string
	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, `MATCH (t:Theme) RETURN t.name AS name ORDER BY name`, nil)
			if err != nil {
				return nil, err
			}
			var names []string
			for result.Next(ctx) {
				if name, ok := result.Record().Get("name"); ok {
					if s, ok := name.(string); ok {
						names = append(names, s)
					}
				}
			}
			return names, result.Err()
		})
		if err != nil {
			return fmt.Errorf("failed to list themes: %w", err)
		}
		themes, _ = out.([]string)
		return nil
	})
	return themes, err
}

func (c *Client) CountStories(ctx context.Context) (int64, error) {
	var total int64
	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, `MATCH (s:Story) RETURN count(s) AS total`, nil)
			if err != nil {
				return nil, err
			}
			record, err := result.Single(ctx)
			if err != nil {
				return nil, err
			}
			v, _ := record.Get("total")
			return v, nil
		})
		if err != nil {
			return fmt.Errorf("failed to count stories: %w", err)
		}
		total, _ = out.(int64)
		return nil
	})
	return total, err
}

func storyParams(docs []story.StoryDocument) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		characters := make([]string, len(d.Characters))
		for i, ch := range d.Characters {
			characters[i] = strings.ToLower(ch)
		}
		out = append(out, map[string]any{
			"id":         d.ID,
			"title":      d.Title,
			"moral":      d.Moral,
			"age_group":  d.AgeGroup,
			"themes":     append([]string{}, d.Themes...),
			"characters": characters,
		})
	}
	return out
}
