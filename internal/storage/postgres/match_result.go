package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/match"
)

// ErrMatchResultNotFound is returned when no result is stored for a match.
var ErrMatchResultNotFound = errors.New("match result not found")

// MatchResult is a stored terminal match outcome.
type MatchResult struct {
	MatchID    uuid.UUID
	Group      string
	Users      []string
	Success    bool
	Payload    *structpb.Struct
	CreatedAt  time.Time
	FinishedAt time.Time
}

// MatchResultRepository archives finished matches.
type MatchResultRepository struct {
	db *pgxpool.Pool
}

// NewMatchResultRepository creates a MatchResultRepository backed by the given pool.
func NewMatchResultRepository(db *pgxpool.Pool) *MatchResultRepository {
	return &MatchResultRepository{db: db}
}

// Record stores the outcome of m. Recording the same match twice keeps the
// first result.
//
// Precondition: m.ID must be set.
// Postcondition: A row for m.ID exists, or an error is returned.
func (r *MatchResultRepository) Record(ctx context.Context, m match.Match, payload *structpb.Struct, success bool) error {
	if payload == nil {
		payload = &structpb.Struct{}
	}
	doc, err := protojson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for match %s: %w", m.ID, err)
	}
	users := m.Users
	if users == nil {
		users = []string{}
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO match_results (match_id, match_group, users, success, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (match_id) DO NOTHING`,
		m.ID, m.Group, users, success, string(doc), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording match %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the stored result for id.
//
// Postcondition: Returns the result or ErrMatchResultNotFound.
func (r *MatchResultRepository) Get(ctx context.Context, id uuid.UUID) (MatchResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT match_id, match_group, users, success, payload::text, created_at, finished_at
		 FROM match_results WHERE match_id = $1`,
		id,
	)
	if err != nil {
		return MatchResult{}, fmt.Errorf("querying match %s: %w", id, err)
	}
	results, err := collectResults(rows)
	if err != nil {
		return MatchResult{}, err
	}
	if len(results) == 0 {
		return MatchResult{}, ErrMatchResultNotFound
	}
	return results[0], nil
}

// RecentByGroup returns up to limit results for group, newest first.
func (r *MatchResultRepository) RecentByGroup(ctx context.Context, group string, limit int) ([]MatchResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT match_id, match_group, users, success, payload::text, created_at, finished_at
		 FROM match_results WHERE match_group = $1
		 ORDER BY finished_at DESC LIMIT $2`,
		group, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying results for group %s: %w", group, err)
	}
	return collectResults(rows)
}

func collectResults(rows pgx.Rows) ([]MatchResult, error) {
	defer rows.Close()
	var out []MatchResult
	for rows.Next() {
		var (
			res MatchResult
			doc string
		)
		if err := rows.Scan(&res.MatchID, &res.Group, &res.Users, &res.Success, &doc, &res.CreatedAt, &res.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning match result: %w", err)
		}
		res.Payload = &structpb.Struct{}
		if err := protojson.Unmarshal([]byte(doc), res.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload for match %s: %w", res.MatchID, err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match results: %w", err)
	}
	return out, nil
}
