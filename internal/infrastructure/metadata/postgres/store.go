package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// Store is the relational lookup behind hybrid enrichment and keyword
// search. The ingestion collaborator owns writes to the chunks table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across service startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026083101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	title TEXT,
	domain TEXT,
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	access_policy TEXT NOT NULL DEFAULT 'public',
	url TEXT,
	page_number INTEGER,
	section TEXT,
	content TEXT NOT NULL,
	tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', coalesce(title, '') || ' ' || content)) STORED,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chunks_domain ON chunks(domain);
CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON chunks USING GIN(tsv);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// ChunkMeta batch-loads enrichment records for vector hits. Missing ids are
// simply absent from the returned map.
func (s *Store) ChunkMeta(ctx context.Context, chunkIDs []string) (map[string]domain.ChunkMeta, error) {
	if len(chunkIDs) == 0 {
		return map[string]domain.ChunkMeta{}, nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
SELECT chunk_id, document_id, title, domain, tags, access_policy, url, page_number, section
FROM chunks
WHERE chunk_id IN (%s)`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunk metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.ChunkMeta, len(chunkIDs))
	for rows.Next() {
		var (
			meta       domain.ChunkMeta
			title      sql.NullString
			dom        sql.NullString
			tagsJSON   []byte
			url        sql.NullString
			pageNumber sql.NullInt64
			section    sql.NullString
		)
		if err := rows.Scan(&meta.ChunkID, &meta.DocumentID, &title, &dom, &tagsJSON, &meta.AccessPolicy, &url, &pageNumber, &section); err != nil {
			return nil, fmt.Errorf("scan chunk metadata: %w", err)
		}
		meta.Title = title.String
		meta.Domain = dom.String
		meta.URL = url.String
		meta.PageNumber = int(pageNumber.Int64)
		meta.Section = section.String
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &meta.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal chunk tags: %w", err)
			}
		}
		out[meta.ChunkID] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk metadata: %w", err)
	}
	return out, nil
}

// FullTextSearch serves the keyword strategy. Rank is clamped into [0,1] so
// it slots into the same similarity scale as vector scores.
func (s *Store) FullTextSearch(ctx context.Context, text string, domains []string, limit int) ([]domain.Passage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	args := []any{text}
	domainClause := ""
	if len(domains) > 0 {
		placeholders := make([]string, len(domains))
		for i, d := range domains {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, d)
		}
		domainClause = fmt.Sprintf("AND domain IN (%s)", strings.Join(placeholders, ", "))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT chunk_id, document_id, title, domain, url, page_number, section, content,
	LEAST(ts_rank_cd(tsv, query), 1.0) AS rank
FROM chunks, websearch_to_tsquery('english', $1) AS query
WHERE tsv @@ query
	AND access_policy = 'public'
	%s
ORDER BY rank DESC, chunk_id
LIMIT $%d`, domainClause, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("full text search: %w", err)
	}
	defer rows.Close()

	var out []domain.Passage
	for rows.Next() {
		var (
			p          domain.Passage
			title      sql.NullString
			dom        sql.NullString
			url        sql.NullString
			pageNumber sql.NullInt64
			section    sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.DocumentID, &title, &dom, &url, &pageNumber, &section, &p.Content, &p.Similarity); err != nil {
			return nil, fmt.Errorf("scan full text result: %w", err)
		}
		p.Title = title.String
		p.Domain = dom.String
		p.URL = url.String
		p.PageNumber = int(pageNumber.Int64)
		p.Section = section.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate full text results: %w", err)
	}
	return out, nil
}
