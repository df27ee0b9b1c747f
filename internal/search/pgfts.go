package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Proposals keep their searchable text inside the data JSONB, so the
// tsvector is built inline from the extracted fields.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const proposalTSV = `to_tsvector('english',
	coalesce(pr.data->>'title', '') || ' ' ||
	coalesce(pr.data->>'description', '') || ' ' ||
	coalesce(pr.data->>'content', '') || ' ' ||
	coalesce(pr.data->>'category', ''))`

const processTSV = `to_tsvector('english', coalesce(p.name, '') || ' ' || coalesce(p.description, ''))`

// Search executes a UNION ALL query across proposals and processes using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultProposal {
		propWhere := proposalTSV + " @@ " + tsQuery
		if q.FilterInstanceID != "" {
			propWhere += fmt.Sprintf(" AND pr.instance_id = $%d", argN)
			args = append(args, q.FilterInstanceID)
			argN++
		}
		if !q.IncludeHidden {
			propWhere += " AND pr.visibility = 'visible'"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'proposal'::text AS type, pr.id, coalesce(pr.data->>'title', '') AS title,
				ts_headline('english', coalesce(pr.data->>'description', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				pr.instance_id, pr.visibility,
				ts_rank(%s, %s) AS rank
			FROM proposals pr
			WHERE %s`, tsQuery, proposalTSV, tsQuery, propWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultProcess {
		procWhere := processTSV + " @@ " + tsQuery
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'process'::text AS type, p.id, p.name AS title,
				ts_headline('english', coalesce(p.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS instance_id, ''::text AS visibility,
				ts_rank(%s, %s) AS rank
			FROM processes p
			WHERE %s`, tsQuery, processTSV, tsQuery, procWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, instance_id, visibility
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.InstanceID, &r.Visibility); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProposalRecord, []ProcessRecord, error) {
	proposalRows, err := p.db.QueryContext(ctx, `
		SELECT id,
			coalesce(data->>'title', ''),
			coalesce(data->>'description', ''),
			coalesce(data->>'category', ''),
			instance_id, status, visibility
		FROM proposals
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load proposals: %w", err)
	}
	defer proposalRows.Close()

	proposals := make([]ProposalRecord, 0)
	for proposalRows.Next() {
		var r ProposalRecord
		if err := proposalRows.Scan(&r.ID, &r.Title, &r.Description, &r.Category, &r.InstanceID, &r.Status, &r.Visibility); err != nil {
			return nil, nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, r)
	}
	if err := proposalRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate proposals: %w", err)
	}

	processRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description
		FROM processes
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load processes: %w", err)
	}
	defer processRows.Close()

	processes := make([]ProcessRecord, 0)
	for processRows.Next() {
		var r ProcessRecord
		if err := processRows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, nil, fmt.Errorf("scan process: %w", err)
		}
		processes = append(processes, r)
	}
	if err := processRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate processes: %w", err)
	}

	return proposals, processes, nil
}
