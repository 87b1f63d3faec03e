// Package modelfile is the catalog of uploaded model files that jobs read from.
package modelfile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("modelfile: not found")

type File struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Format     string    `json:"format"`
	SizeBytes  int64     `json:"size_bytes"`
	StorageRef string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type Repository interface {
	Save(ctx context.Context, f *File) error
	Get(ctx context.Context, id string) (*File, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Save inserts f, assigning an id when it has none.
func (r *PostgresRepo) Save(ctx context.Context, f *File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	query := `INSERT INTO model_files (id, owner_id, name, format, size_bytes, storage_ref) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query, f.ID, f.OwnerID, f.Name, f.Format, f.SizeBytes, f.StorageRef).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("modelfile/postgres: save: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*File, error) {
	f := &File{}
	query := `SELECT id, owner_id, name, format, size_bytes, storage_ref, created_at FROM model_files WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.OwnerID, &f.Name, &f.Format, &f.SizeBytes, &f.StorageRef, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("modelfile/postgres: get: %w", err)
	}
	return f, nil
}
