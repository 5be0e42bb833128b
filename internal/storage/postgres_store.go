package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediahub/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    id TEXT PRIMARY KEY,
    token TEXT NOT NULL UNIQUE,
    owner_id TEXT NOT NULL,
    file_name TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    media_type TEXT NOT NULL,
    total_file_size BIGINT NOT NULL,
    total_chunks INTEGER NOT NULL,
    chunk_size BIGINT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    final_key TEXT NOT NULL DEFAULT '',
    final_url TEXT NOT NULL DEFAULT '',
    final_size BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS upload_sessions_status_expires_idx ON upload_sessions (status, expires_at);

CREATE TABLE IF NOT EXISTS upload_chunks (
    session_id TEXT NOT NULL REFERENCES upload_sessions(id) ON DELETE CASCADE,
    chunk_number INTEGER NOT NULL,
    size BIGINT NOT NULL,
    storage_ref TEXT NOT NULL,
    checksum TEXT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, chunk_number)
);

CREATE TABLE IF NOT EXISTS temporary_artifacts (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    storage_key TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS temporary_artifacts_status_expires_idx ON temporary_artifacts (status, expires_at);
`

const postgresSessionColumns = `id, token, owner_id, file_name, mime_type, media_type, total_file_size, total_chunks,
chunk_size, checksum, status, failure_reason, final_key, final_url, final_size, created_at, updated_at, expires_at, completed_at`

const postgresArtifactColumns = `id, kind, owner_id, storage_key, status, created_at, expires_at`

// PostgresStore persists sessions, chunks and artifacts through a pgx pool so
// several API replicas can share upload state.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore opens the pool described by dsn and opts. Call Migrate
// before first use against an empty database.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

// Migrate creates the upload tables when they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
			return fmt.Errorf("apply upload schema: %w", err)
		}
		return nil
	})
}

// withTimeout bounds a single statement by the configured acquire timeout.
func (s *PostgresStore) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (s *PostgresStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO upload_sessions (`+postgresSessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`,
			session.ID, session.Token, session.OwnerID, session.FileName, session.MimeType, session.MediaType,
			session.TotalFileSize, session.TotalChunks, session.ChunkSize, session.Checksum, string(session.Status),
			session.FailureReason, session.FinalKey, session.FinalURL, session.FinalSize,
			session.CreatedAt.UTC(), session.UpdatedAt.UTC(), session.ExpiresAt.UTC(), session.CompletedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", ErrSessionExists, err)
			}
			return fmt.Errorf("insert upload session: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	var session models.UploadSession
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		session, err = scanPostgresSession(s.pool.QueryRow(ctx, `SELECT `+postgresSessionColumns+` FROM upload_sessions WHERE id = $1`, id))
		return err
	})
	return session, err
}

func (s *PostgresStore) GetSessionByToken(ctx context.Context, token string) (models.UploadSession, error) {
	var session models.UploadSession
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		session, err = scanPostgresSession(s.pool.QueryRow(ctx, `SELECT `+postgresSessionColumns+` FROM upload_sessions WHERE token = $1`, token))
		return err
	})
	return session, err
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, update StatusUpdate) (models.UploadSession, bool, error) {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var (
		session models.UploadSession
		swapped bool
	)
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var completedAt *time.Time
		if update.CompletedAt != nil {
			utc := update.CompletedAt.UTC()
			completedAt = &utc
		}
		row := s.pool.QueryRow(ctx, `
UPDATE upload_sessions SET
    status = $2,
    updated_at = $3,
    failure_reason = CASE WHEN $4 <> '' THEN $4 ELSE failure_reason END,
    final_key = CASE WHEN $5 <> '' THEN $5 ELSE final_key END,
    final_url = CASE WHEN $6 <> '' THEN $6 ELSE final_url END,
    final_size = CASE WHEN $7::BIGINT > 0 THEN $7 ELSE final_size END,
    completed_at = COALESCE($8, completed_at)
WHERE id = $1 AND status = ANY($9)
RETURNING `+postgresSessionColumns,
			id, string(to), at.UTC(), update.FailureReason, update.FinalKey, update.FinalURL, update.FinalSize,
			completedAt, statusStrings(from),
		)
		updated, err := scanPostgresSession(row)
		if err == nil {
			session, swapped = updated, true
			return nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("transition upload session: %w", err)
		}
		session, err = scanPostgresSession(s.pool.QueryRow(ctx, `SELECT `+postgresSessionColumns+` FROM upload_sessions WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return models.UploadSession{}, false, err
	}
	return session, swapped, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.ExpiresBefore.IsZero() {
		args = append(args, filter.ExpiresBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("expires_at < $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	if filter.HasChunks {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM upload_chunks c WHERE c.session_id = upload_sessions.id)")
	}
	query := `SELECT ` + postgresSessionColumns + ` FROM upload_sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY expires_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	var sessions []models.UploadSession
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list upload sessions: %w", err)
		}
		defer rows.Close()
		sessions = make([]models.UploadSession, 0)
		for rows.Next() {
			session, err := scanPostgresSession(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return rows.Err()
	})
	return sessions, err
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin delete session: %w", err)
		}
		defer rollbackTx(ctx, tx)
		if _, err := tx.Exec(ctx, `DELETE FROM upload_chunks WHERE session_id = $1`, id); err != nil {
			return fmt.Errorf("delete upload chunks: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete upload session: %w", err)
		}
		return tx.Commit(ctx)
	})
}

func (s *PostgresStore) CreateChunkIfAbsent(ctx context.Context, chunk models.UploadChunk) (bool, error) {
	var created bool
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
INSERT INTO upload_chunks (session_id, chunk_number, size, storage_ref, checksum, received_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, chunk_number) DO NOTHING
`, chunk.SessionID, chunk.ChunkNumber, chunk.Size, chunk.StorageRef, chunk.Checksum, chunk.ReceivedAt.UTC())
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
			}
			return fmt.Errorf("insert upload chunk: %w", err)
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	return created, err
}

func (s *PostgresStore) GetChunk(ctx context.Context, sessionID string, chunkNumber int) (models.UploadChunk, error) {
	var chunk models.UploadChunk
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
SELECT session_id, chunk_number, size, storage_ref, checksum, received_at
FROM upload_chunks WHERE session_id = $1 AND chunk_number = $2
`, sessionID, chunkNumber)
		if err := row.Scan(&chunk.SessionID, &chunk.ChunkNumber, &chunk.Size, &chunk.StorageRef, &chunk.Checksum, &chunk.ReceivedAt); err != nil {
			if isNoRows(err) {
				return ErrChunkNotFound
			}
			return fmt.Errorf("get upload chunk: %w", err)
		}
		chunk.ReceivedAt = chunk.ReceivedAt.UTC()
		return nil
	})
	return chunk, err
}

func (s *PostgresStore) ListChunks(ctx context.Context, sessionID string) ([]models.UploadChunk, error) {
	var chunks []models.UploadChunk
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
SELECT session_id, chunk_number, size, storage_ref, checksum, received_at
FROM upload_chunks WHERE session_id = $1 ORDER BY chunk_number
`, sessionID)
		if err != nil {
			return fmt.Errorf("list upload chunks: %w", err)
		}
		defer rows.Close()
		chunks = make([]models.UploadChunk, 0)
		for rows.Next() {
			var chunk models.UploadChunk
			if err := rows.Scan(&chunk.SessionID, &chunk.ChunkNumber, &chunk.Size, &chunk.StorageRef, &chunk.Checksum, &chunk.ReceivedAt); err != nil {
				return fmt.Errorf("scan upload chunk: %w", err)
			}
			chunk.ReceivedAt = chunk.ReceivedAt.UTC()
			chunks = append(chunks, chunk)
		}
		return rows.Err()
	})
	return chunks, err
}

func (s *PostgresStore) CountChunks(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM upload_chunks WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
			return fmt.Errorf("count upload chunks: %w", err)
		}
		return nil
	})
	return count, err
}

func (s *PostgresStore) DeleteChunk(ctx context.Context, sessionID string, chunkNumber int) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM upload_chunks WHERE session_id = $1 AND chunk_number = $2`, sessionID, chunkNumber); err != nil {
			return fmt.Errorf("delete upload chunk: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, sessionID string) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM upload_chunks WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete upload chunks: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) CreateArtifact(ctx context.Context, artifact models.TemporaryArtifact) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO temporary_artifacts (`+postgresArtifactColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, artifact.ID, artifact.Kind, artifact.OwnerID, artifact.StorageKey, string(artifact.Status),
			artifact.CreatedAt.UTC(), artifact.ExpiresAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrArtifactExists, artifact.ID)
			}
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (models.TemporaryArtifact, error) {
	var artifact models.TemporaryArtifact
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		artifact, err = scanPostgresArtifact(s.pool.QueryRow(ctx, `SELECT `+postgresArtifactColumns+` FROM temporary_artifacts WHERE id = $1`, id))
		return err
	})
	return artifact, err
}

func (s *PostgresStore) ListExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]models.TemporaryArtifact, error) {
	query := `SELECT ` + postgresArtifactColumns + ` FROM temporary_artifacts
WHERE status = $1 AND expires_at < $2 ORDER BY expires_at, id`
	args := []any{string(models.ArtifactStatusTemporary), now.UTC()}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	var artifacts []models.TemporaryArtifact
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list expired artifacts: %w", err)
		}
		defer rows.Close()
		artifacts = make([]models.TemporaryArtifact, 0)
		for rows.Next() {
			artifact, err := scanPostgresArtifact(rows)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, artifact)
		}
		return rows.Err()
	})
	return artifacts, err
}

func (s *PostgresStore) TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus) (models.TemporaryArtifact, bool, error) {
	var (
		artifact models.TemporaryArtifact
		swapped  bool
	)
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		updated, err := scanPostgresArtifact(s.pool.QueryRow(ctx, `
UPDATE temporary_artifacts SET status = $2 WHERE id = $1 AND status = $3
RETURNING `+postgresArtifactColumns, id, string(to), string(from)))
		if err == nil {
			artifact, swapped = updated, true
			return nil
		}
		if !errors.Is(err, ErrArtifactNotFound) {
			return fmt.Errorf("transition artifact: %w", err)
		}
		artifact, err = scanPostgresArtifact(s.pool.QueryRow(ctx, `SELECT `+postgresArtifactColumns+` FROM temporary_artifacts WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return models.TemporaryArtifact{}, false, err
	}
	return artifact, swapped, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		return s.pool.Ping(ctx)
	})
}

// Close releases the pool, giving up when ctx ends first.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanPostgresSession(row pgx.Row) (models.UploadSession, error) {
	var (
		session     models.UploadSession
		status      string
		completedAt *time.Time
	)
	err := row.Scan(
		&session.ID, &session.Token, &session.OwnerID, &session.FileName, &session.MimeType, &session.MediaType,
		&session.TotalFileSize, &session.TotalChunks, &session.ChunkSize, &session.Checksum, &status,
		&session.FailureReason, &session.FinalKey, &session.FinalURL, &session.FinalSize,
		&session.CreatedAt, &session.UpdatedAt, &session.ExpiresAt, &completedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return models.UploadSession{}, ErrSessionNotFound
		}
		return models.UploadSession{}, fmt.Errorf("scan upload session: %w", err)
	}
	session.Status = models.UploadStatus(status)
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()
	if completedAt != nil {
		utc := completedAt.UTC()
		session.CompletedAt = &utc
	}
	return session, nil
}

func scanPostgresArtifact(row pgx.Row) (models.TemporaryArtifact, error) {
	var (
		artifact models.TemporaryArtifact
		status   string
	)
	if err := row.Scan(&artifact.ID, &artifact.Kind, &artifact.OwnerID, &artifact.StorageKey, &status, &artifact.CreatedAt, &artifact.ExpiresAt); err != nil {
		if isNoRows(err) {
			return models.TemporaryArtifact{}, ErrArtifactNotFound
		}
		return models.TemporaryArtifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	artifact.Status = models.ArtifactStatus(status)
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	artifact.ExpiresAt = artifact.ExpiresAt.UTC()
	return artifact, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
