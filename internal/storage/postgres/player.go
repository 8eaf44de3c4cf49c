package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/lobby/internal/game/world"
)

// PlayerRepository stores the last known position of each player.
type PlayerRepository struct {
	db *pgxpool.Pool
}

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// LoadPosition returns the saved position for name.
//
// Postcondition: found is false and err is nil when nothing was saved for name.
func (r *PlayerRepository) LoadPosition(ctx context.Context, name string) (world.Position, bool, error) {
	var pos world.Position
	err := r.db.QueryRow(ctx,
		`SELECT x, y, z FROM player_positions WHERE name = $1`,
		name,
	).Scan(&pos.X, &pos.Y, &pos.Z)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return world.Position{}, false, nil
		}
		return world.Position{}, false, fmt.Errorf("loading position for %s: %w", name, err)
	}
	return pos, true, nil
}

// SavePosition upserts the position for name.
func (r *PlayerRepository) SavePosition(ctx context.Context, name string, pos world.Position) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO player_positions (name, x, y, z, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (name) DO UPDATE
		 SET x = EXCLUDED.x, y = EXCLUDED.y, z = EXCLUDED.z, updated_at = NOW()`,
		name, pos.X, pos.Y, pos.Z,
	)
	if err != nil {
		return fmt.Errorf("saving position for %s: %w", name, err)
	}
	return nil
}
