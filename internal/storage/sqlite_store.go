package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mediahub/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    id TEXT PRIMARY KEY,
    token TEXT NOT NULL UNIQUE,
    owner_id TEXT NOT NULL,
    file_name TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    media_type TEXT NOT NULL,
    total_file_size INTEGER NOT NULL,
    total_chunks INTEGER NOT NULL,
    chunk_size INTEGER NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    final_key TEXT NOT NULL DEFAULT '',
    final_url TEXT NOT NULL DEFAULT '',
    final_size INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS upload_sessions_status_expires_idx ON upload_sessions (status, expires_at);

CREATE TABLE IF NOT EXISTS upload_chunks (
    session_id TEXT NOT NULL REFERENCES upload_sessions(id) ON DELETE CASCADE,
    chunk_number INTEGER NOT NULL,
    size INTEGER NOT NULL,
    storage_ref TEXT NOT NULL,
    checksum TEXT NOT NULL,
    received_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, chunk_number)
);

CREATE TABLE IF NOT EXISTS temporary_artifacts (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    storage_key TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS temporary_artifacts_status_expires_idx ON temporary_artifacts (status, expires_at);
`

const sqliteSessionColumns = `id, token, owner_id, file_name, mime_type, media_type, total_file_size, total_chunks,
chunk_size, checksum, status, failure_reason, final_key, final_url, final_size, created_at, updated_at, expires_at, completed_at`

// SQLiteStore persists sessions in an embedded SQLite database. Timestamps are
// stored as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" yields a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("sqlite path required")
	}
	dsn := trimmed + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if trimmed != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO upload_sessions (`+sqliteSessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		session.ID, session.Token, session.OwnerID, session.FileName, session.MimeType, session.MediaType,
		session.TotalFileSize, session.TotalChunks, session.ChunkSize, session.Checksum, string(session.Status),
		session.FailureReason, session.FinalKey, session.FinalURL, session.FinalSize,
		toMicros(session.CreatedAt), toMicros(session.UpdatedAt), toMicros(session.ExpiresAt), nullableMicros(session.CompletedAt),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: %v", ErrSessionExists, err)
		}
		return fmt.Errorf("insert upload session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM upload_sessions WHERE id = ?`, id)
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) GetSessionByToken(ctx context.Context, token string) (models.UploadSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM upload_sessions WHERE token = ?`, token)
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, update StatusUpdate) (models.UploadSession, bool, error) {
	if len(from) == 0 {
		session, err := s.GetSession(ctx, id)
		return session, false, err
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	args := []any{
		string(to), toMicros(at),
		update.FailureReason, update.FailureReason,
		update.FinalKey, update.FinalKey,
		update.FinalURL, update.FinalURL,
		update.FinalSize, update.FinalSize,
		nullableMicros(update.CompletedAt),
		id,
	}
	placeholders := make([]string, len(from))
	for i, status := range from {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	row := s.db.QueryRowContext(ctx, `
UPDATE upload_sessions SET
    status = ?,
    updated_at = ?,
    failure_reason = CASE WHEN ? <> '' THEN ? ELSE failure_reason END,
    final_key = CASE WHEN ? <> '' THEN ? ELSE final_key END,
    final_url = CASE WHEN ? <> '' THEN ? ELSE final_url END,
    final_size = CASE WHEN ? > 0 THEN ? ELSE final_size END,
    completed_at = COALESCE(?, completed_at)
WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
RETURNING `+sqliteSessionColumns, args...)
	session, err := scanSQLiteSession(row)
	if err == nil {
		return session, true, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return models.UploadSession{}, false, fmt.Errorf("transition upload session: %w", err)
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return models.UploadSession{}, false, err
	}
	return current, false, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !filter.ExpiresBefore.IsZero() {
		clauses = append(clauses, "expires_at < ?")
		args = append(args, toMicros(filter.ExpiresBefore))
	}
	if !filter.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, toMicros(filter.UpdatedBefore))
	}
	if filter.HasChunks {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM upload_chunks c WHERE c.session_id = upload_sessions.id)")
	}
	query := `SELECT ` + sqliteSessionColumns + ` FROM upload_sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY expires_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list upload sessions: %w", err)
	}
	defer rows.Close()
	sessions := make([]models.UploadSession, 0)
	for rows.Next() {
		session, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete upload chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete upload session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateChunkIfAbsent(ctx context.Context, chunk models.UploadChunk) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
INSERT INTO upload_chunks (session_id, chunk_number, size, storage_ref, checksum, received_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, chunk_number) DO NOTHING
`, chunk.SessionID, chunk.ChunkNumber, chunk.Size, chunk.StorageRef, chunk.Checksum, toMicros(chunk.ReceivedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return false, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
		}
		return false, fmt.Errorf("insert upload chunk: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert upload chunk: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) GetChunk(ctx context.Context, sessionID string, chunkNumber int) (models.UploadChunk, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, chunk_number, size, storage_ref, checksum, received_at
FROM upload_chunks WHERE session_id = ? AND chunk_number = ?
`, sessionID, chunkNumber)
	chunk, err := scanSQLiteChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UploadChunk{}, ErrChunkNotFound
	}
	if err != nil {
		return models.UploadChunk{}, fmt.Errorf("get upload chunk: %w", err)
	}
	return chunk, nil
}

func (s *SQLiteStore) ListChunks(ctx context.Context, sessionID string) ([]models.UploadChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, chunk_number, size, storage_ref, checksum, received_at
FROM upload_chunks WHERE session_id = ? ORDER BY chunk_number
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list upload chunks: %w", err)
	}
	defer rows.Close()
	chunks := make([]models.UploadChunk, 0)
	for rows.Next() {
		chunk, err := scanSQLiteChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) CountChunks(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_chunks WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count upload chunks: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) DeleteChunk(ctx context.Context, sessionID string, chunkNumber int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = ? AND chunk_number = ?`, sessionID, chunkNumber); err != nil {
		return fmt.Errorf("delete upload chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete upload chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateArtifact(ctx context.Context, artifact models.TemporaryArtifact) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO temporary_artifacts (id, kind, owner_id, storage_key, status, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, artifact.ID, artifact.Kind, artifact.OwnerID, artifact.StorageKey, string(artifact.Status),
		toMicros(artifact.CreatedAt), toMicros(artifact.ExpiresAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: %s", ErrArtifactExists, artifact.ID)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (models.TemporaryArtifact, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, owner_id, storage_key, status, created_at, expires_at
FROM temporary_artifacts WHERE id = ?
`, id)
	artifact, err := scanSQLiteArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TemporaryArtifact{}, ErrArtifactNotFound
	}
	if err != nil {
		return models.TemporaryArtifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

func (s *SQLiteStore) ListExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]models.TemporaryArtifact, error) {
	query := `
SELECT id, kind, owner_id, storage_key, status, created_at, expires_at
FROM temporary_artifacts WHERE status = ? AND expires_at < ? ORDER BY expires_at, id`
	args := []any{string(models.ArtifactStatusTemporary), toMicros(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	defer rows.Close()
	artifacts := make([]models.TemporaryArtifact, 0)
	for rows.Next() {
		artifact, err := scanSQLiteArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

func (s *SQLiteStore) TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus) (models.TemporaryArtifact, bool, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE temporary_artifacts SET status = ? WHERE id = ? AND status = ?
RETURNING id, kind, owner_id, storage_key, status, created_at, expires_at
`, string(to), id, string(from))
	artifact, err := scanSQLiteArtifact(row)
	if err == nil {
		return artifact, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.TemporaryArtifact{}, false, fmt.Errorf("transition artifact: %w", err)
	}
	current, err := s.GetArtifact(ctx, id)
	if err != nil {
		return models.TemporaryArtifact{}, false, err
	}
	return current, false, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row sqlScanner) (models.UploadSession, error) {
	var (
		session                         models.UploadSession
		status                          string
		createdAt, updatedAt, expiresAt int64
		completedAt                     sql.NullInt64
	)
	err := row.Scan(
		&session.ID, &session.Token, &session.OwnerID, &session.FileName, &session.MimeType, &session.MediaType,
		&session.TotalFileSize, &session.TotalChunks, &session.ChunkSize, &session.Checksum, &status,
		&session.FailureReason, &session.FinalKey, &session.FinalURL, &session.FinalSize,
		&createdAt, &updatedAt, &expiresAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UploadSession{}, ErrSessionNotFound
		}
		return models.UploadSession{}, fmt.Errorf("scan upload session: %w", err)
	}
	session.Status = models.UploadStatus(status)
	session.CreatedAt = fromMicros(createdAt)
	session.UpdatedAt = fromMicros(updatedAt)
	session.ExpiresAt = fromMicros(expiresAt)
	if completedAt.Valid {
		completed := fromMicros(completedAt.Int64)
		session.CompletedAt = &completed
	}
	return session, nil
}

func scanSQLiteChunk(row sqlScanner) (models.UploadChunk, error) {
	var (
		chunk      models.UploadChunk
		receivedAt int64
	)
	if err := row.Scan(&chunk.SessionID, &chunk.ChunkNumber, &chunk.Size, &chunk.StorageRef, &chunk.Checksum, &receivedAt); err != nil {
		return models.UploadChunk{}, err
	}
	chunk.ReceivedAt = fromMicros(receivedAt)
	return chunk, nil
}

func scanSQLiteArtifact(row sqlScanner) (models.TemporaryArtifact, error) {
	var (
		artifact             models.TemporaryArtifact
		status               string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&artifact.ID, &artifact.Kind, &artifact.OwnerID, &artifact.StorageKey, &status, &createdAt, &expiresAt); err != nil {
		return models.TemporaryArtifact{}, err
	}
	artifact.Status = models.ArtifactStatus(status)
	artifact.CreatedAt = fromMicros(createdAt)
	artifact.ExpiresAt = fromMicros(expiresAt)
	return artifact, nil
}

func isSQLiteConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func nullableMicros(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMicro(value).UTC()
}
