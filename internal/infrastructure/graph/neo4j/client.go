package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Client resolves entity names to related chunk ids for the entity-aware
// strategy. The graph is populated by the ingestion collaborator; this
// client only reads.
type Client struct {
	driver  neo4j.DriverWithContext
	timeout time.Duration
}

func New(uri, username, password string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Client{
		driver:  driver,
		timeout: 10 * time.Second,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) RelatedChunkIDs(ctx context.Context, entities []string, limit int) ([]string, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 30
	}

	names := make([]string, 0, len(entities))
	for _, e := range entities {
		if trimmed := strings.ToLower(strings.TrimSpace(e)); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	const query = `
MATCH (e:Entity)-[:MENTIONED_IN]->(c:Chunk)
WHERE toLower(e.name) IN $names
RETURN DISTINCT c.id AS chunk_id
LIMIT $limit`

	result, err := session.Run(ctx, query, map[string]any{
		"names": names,
		"limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("run entity lookup: %w", err)
	}

	var ids []string
	for result.Next(ctx) {
		value, ok := result.Record().Get("chunk_id")
		if !ok {
			continue
		}
		if id, ok := value.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity lookup: %w", err)
	}
	return ids, nil
}
