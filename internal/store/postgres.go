package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id             UUID PRIMARY KEY,
	upload_id      TEXT UNIQUE,
	filename       TEXT NOT NULL,
	path           TEXT NOT NULL,
	size           BIGINT NOT NULL DEFAULT 0,
	origin_file_id UUID REFERENCES files(id) ON DELETE SET NULL,
	process_kind   TEXT NOT NULL DEFAULT 'none',
	status         TEXT NOT NULL DEFAULT 'complete',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS files_created_at_idx ON files (created_at DESC);
`

const selectColumns = `id, COALESCE(upload_id, ''), filename, path, size, origin_file_id,
	process_kind, status, created_at`

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration // zero keeps the pgx default
	MaxConnIdleTime time.Duration
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, cfg PoolConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the files table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) CreateFile(ctx context.Context, rec *FileRecord) error {
	prepare(rec)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (id, upload_id, filename, path, size, origin_file_id, process_kind, status, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.UploadID, rec.Filename, rec.Path, rec.Size, rec.OriginFileID,
		string(rec.ProcessKind), string(rec.Status), rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateUpload
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id uuid.UUID) (*FileRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM files WHERE id = $1`, id)
	return scanFile(row)
}

func (s *PostgresStore) GetFileByUploadID(ctx context.Context, uploadID string) (*FileRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM files WHERE upload_id = $1`, uploadID)
	return scanFile(row)
}

func (s *PostgresStore) UpdateFileProgress(ctx context.Context, id uuid.UUID, size int64, status Status) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE files SET size = $2, status = $3, updated_at = now() WHERE id = $1
	`, id, size, string(status))
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

func (s *PostgresStore) ListFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM files ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *rec)
	}
	return files, rows.Err()
}

func (s *PostgresStore) DeleteFile(ctx context.Context, id uuid.UUID) error {
	res, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

func scanFile(row pgx.Row) (*FileRecord, error) {
	var rec FileRecord
	var kind, status string
	err := row.Scan(
		&rec.ID,
		&rec.UploadID,
		&rec.Filename,
		&rec.Path,
		&rec.Size,
		&rec.OriginFileID,
		&kind,
		&status,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.ProcessKind = ProcessKind(kind)
	rec.Status = Status(status)
	return &rec, nil
}
