package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

// MySQLCatalog reads challenge definitions from the platform database.
type MySQLCatalog struct {
	db *sql.DB
}

func NewMySQLCatalog(db *sql.DB) *MySQLCatalog {
	return &MySQLCatalog{db: db}
}

func (c *MySQLCatalog) FindChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	query := `
		SELECT id, title, category, is_dynamic, docker_image, docker_port
		FROM challenges
		WHERE id = ?
	`

	var (
		challenge domain.Challenge
		image     sql.NullString
		port      sql.NullInt64
	)

	err := c.db.QueryRowContext(ctx, query, challengeID).Scan(
		&challenge.ID,
		&challenge.Title,
		&challenge.Category,
		&challenge.Dynamic,
		&image,
		&port,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}

	challenge.Image = image.String
	if port.Valid {
		challenge.Port = int(port.Int64)
	}

	return &challenge, nil
}
