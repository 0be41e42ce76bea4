package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over house names and descriptions, with
// ts_headline for snippets. The tsvector is computed inline because the
// houses table carries no stored FTS column.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const matchExpr = `to_tsvector('english', h.name || ' ' || coalesce(h.description, '')) @@ plainto_tsquery('english', $1)`

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM houses h WHERE " + matchExpr
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT h.id, h.name,
			ts_headline('english', coalesce(h.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			h.tags,
			ts_rank(to_tsvector('english', h.name || ' ' || coalesce(h.description, '')), plainto_tsquery('english', $1)) AS rank
		FROM houses h
		WHERE %s
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, matchExpr, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		var tags []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &tags, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &r.Tags); err != nil {
				return nil, 0, fmt.Errorf("pgfts decode tags: %w", err)
			}
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every community for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]HouseRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, description, tags FROM houses`)
	if err != nil {
		return nil, fmt.Errorf("load houses: %w", err)
	}
	defer rows.Close()

	records := make([]HouseRecord, 0)
	for rows.Next() {
		var record HouseRecord
		var tags []byte
		if err := rows.Scan(&record.ID, &record.Name, &record.Description, &tags); err != nil {
			return nil, fmt.Errorf("scan house: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &record.Tags); err != nil {
				return nil, fmt.Errorf("decode house tags: %w", err)
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate houses: %w", err)
	}

	return records, nil
}
