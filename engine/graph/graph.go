// Package graph writes enriched posts into Neo4j as a mention graph:
//
//	(Post)-[:IN_CLUSTER]->(Cluster)
//	(Post)-[:MENTIONS]->(Entity)
//	(Post)-[:POSTED_BY]->(Author)
//
// Every write is a MERGE keyed on stable ids, so delivering the same post
// twice leaves the graph unchanged.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/socialpulse/pulse/engine/domain"
)

// Writer persists posts.
type Writer struct {
	opener SessionOpener
}

// New creates a Writer on a neo4j driver.
func New(driver neo4j.DriverWithContext) *Writer {
	return &Writer{opener: driverOpener{driver: driver}}
}

// NewWithOpener creates a Writer using a custom session opener.
func NewWithOpener(o SessionOpener) *Writer {
	return &Writer{opener: o}
}

// Connect opens and verifies a driver.
func Connect(ctx context.Context, url, user, pass string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: connect %s: %w", url, err)
	}
	return driver, nil
}

var constraints = []string{
	`CREATE CONSTRAINT post_id IF NOT EXISTS FOR (p:Post) REQUIRE p.id IS UNIQUE`,
	`CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (e:Entity) REQUIRE e.key IS UNIQUE`,
	`CREATE CONSTRAINT cluster_id IF NOT EXISTS FOR (c:Cluster) REQUIRE c.id IS UNIQUE`,
	`CREATE CONSTRAINT author_key IF NOT EXISTS FOR (a:Author) REQUIRE a.key IS UNIQUE`,
}

// EnsureSchema creates the uniqueness constraints.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	sess := w.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	for _, c := range constraints {
		if _, err := sess.Run(ctx, c, nil); err != nil {
			return fmt.Errorf("graph: schema: %w", err)
		}
	}
	return nil
}

const mergePost = `MERGE (p:Post {id: $id})
SET p += $props
MERGE (c:Cluster {id: $scope_id})
MERGE (p)-[:IN_CLUSTER]->(c)`

const mergeAuthor = `MATCH (p:Post {id: $id})
MERGE (a:Author {key: $key})
ON CREATE SET a.name = $name, a.platform = $platform
MERGE (p)-[:POSTED_BY]->(a)`

const mergeEntities = `MATCH (p:Post {id: $id})
UNWIND $entities AS ent
MERGE (e:Entity {key: ent.key})
ON CREATE SET e.name = ent.name, e.type = ent.type
MERGE (p)-[m:MENTIONS]->(e)
SET m.sentiment = $sentiment`

// WritePost merges p and its relationships in one transaction.
func (w *Writer) WritePost(ctx context.Context, p domain.Post) error {
	sess := w.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		if _, err := tx.Run(ctx, mergePost, map[string]any{
			"id":       p.ID,
			"scope_id": p.ScopeID,
			"props":    postProps(p),
		}); err != nil {
			return nil, err
		}
		if p.Author != "" {
			if _, err := tx.Run(ctx, mergeAuthor, map[string]any{
				"id":       p.ID,
				"key":      string(p.Platform) + ":" + strings.ToLower(p.Author),
				"name":     p.Author,
				"platform": string(p.Platform),
			}); err != nil {
				return nil, err
			}
		}
		if ents := entityParams(p.Entities); len(ents) > 0 {
			if _, err := tx.Run(ctx, mergeEntities, map[string]any{
				"id":        p.ID,
				"entities":  ents,
				"sentiment": p.Sentiment,
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: write post %s: %w", p.ID, err)
	}
	return nil
}

func postProps(p domain.Post) map[string]any {
	m := map[string]any{
		"raw_record_id":   p.RawRecordID,
		"platform":        string(p.Platform),
		"summary":         p.Summary,
		"sentiment":       p.Sentiment,
		"sentiment_score": p.SentimentScore,
		"threat_score":    p.ThreatScore,
		"keywords":        p.Keywords,
		"url":             p.URL,
		"enriched_at":     p.EnrichedAt.UTC().Format(time.RFC3339),
	}
	if !p.PublishedAt.IsZero() {
		m["published_at"] = p.PublishedAt.UTC().Format(time.RFC3339)
	}
	if p.Language != "" {
		m["language"] = p.Language
	}
	return m
}

// EntityKey normalises an entity to its node key.
func EntityKey(e domain.Entity) string {
	return strings.ToLower(strings.TrimSpace(e.Type)) + ":" + strings.ToLower(strings.Join(strings.Fields(e.Name), " "))
}

func entityParams(ents []domain.Entity) []map[string]any {
	seen := make(map[string]bool, len(ents))
	out := make([]map[string]any, 0, len(ents))
	for _, e := range ents {
		k := EntityKey(e)
		if seen[k] || strings.TrimSpace(e.Name) == "" {
			continue
		}
		seen[k] = true
		out = append(out, map[string]any{"key": k, "name": strings.TrimSpace(e.Name), "type": e.Type})
	}
	return out
}

// TopEntities returns the most mentioned entities of a cluster.
func (w *Writer) TopEntities(ctx context.Context, scopeID string, limit int) ([]EntityCount, error) {
	if limit <= 0 {
		limit = 10
	}
	sess := w.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (:Cluster {id: $scope_id})<-[:IN_CLUSTER]-(:Post)-[:MENTIONS]->(e:Entity)
RETURN e.name AS name, e.type AS type, count(*) AS mentions
ORDER BY mentions DESC, name ASC LIMIT $limit`, map[string]any{"scope_id": scopeID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("graph: top entities: %w", err)
	}
	var out []EntityCount
	for result.Next(ctx) {
		rec := result.Record()
		name, _, _ := neo4j.GetRecordValue[string](rec, "name")
		typ, _, _ := neo4j.GetRecordValue[string](rec, "type")
		n, _, _ := neo4j.GetRecordValue[int64](rec, "mentions")
		out = append(out, EntityCount{Name: name, Type: typ, Mentions: n})
	}
	return out, nil
}

// EntityCount is one row of TopEntities.
type EntityCount struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Mentions int64  `json:"mentions"`
}
