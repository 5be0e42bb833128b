package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediahub/internal/models"
)

// MemoryStore keeps sessions, chunks and artifacts in process. It is safe for
// concurrent use and serves tests and single replica deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]models.UploadSession
	tokens    map[string]string
	chunks    map[string]map[int]models.UploadChunk
	artifacts map[string]models.TemporaryArtifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]models.UploadSession),
		tokens:    make(map[string]string),
		chunks:    make(map[string]map[int]models.UploadChunk),
		artifacts: make(map[string]models.TemporaryArtifact),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: id %s", ErrSessionExists, session.ID)
	}
	if _, exists := s.tokens[session.Token]; exists {
		return fmt.Errorf("%w: token collision", ErrSessionExists)
	}
	s.sessions[session.ID] = cloneSession(session)
	s.tokens[session.Token] = session.ID
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) GetSessionByToken(ctx context.Context, token string) (models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	return cloneSession(s.sessions[id]), nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, update StatusUpdate) (models.UploadSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.UploadSession{}, false, ErrSessionNotFound
	}
	if !containsStatus(from, session.Status) {
		return cloneSession(session), false, nil
	}
	update.apply(&session, to)
	s.sessions[id] = session
	return cloneSession(session), true, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error) {
	s.mu.RLock()
	matched := make([]models.UploadSession, 0)
	for _, session := range s.sessions {
		if filter.HasChunks && len(s.chunks[session.ID]) == 0 {
			continue
		}
		if filter.matches(session) {
			matched = append(matched, cloneSession(session))
		}
	}
	s.mu.RUnlock()
	sortSessions(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil
	}
	delete(s.tokens, session.Token)
	delete(s.sessions, id)
	delete(s.chunks, id)
	return nil
}

func (s *MemoryStore) CreateChunkIfAbsent(ctx context.Context, chunk models.UploadChunk) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[chunk.SessionID]; !ok {
		return false, ErrSessionNotFound
	}
	byNumber, ok := s.chunks[chunk.SessionID]
	if !ok {
		byNumber = make(map[int]models.UploadChunk)
		s.chunks[chunk.SessionID] = byNumber
	}
	if _, exists := byNumber[chunk.ChunkNumber]; exists {
		return false, nil
	}
	byNumber[chunk.ChunkNumber] = chunk
	return true, nil
}

func (s *MemoryStore) GetChunk(ctx context.Context, sessionID string, chunkNumber int) (models.UploadChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[sessionID][chunkNumber]
	if !ok {
		return models.UploadChunk{}, ErrChunkNotFound
	}
	return chunk, nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, sessionID string) ([]models.UploadChunk, error) {
	s.mu.RLock()
	byNumber := s.chunks[sessionID]
	chunks := make([]models.UploadChunk, 0, len(byNumber))
	for _, chunk := range byNumber {
		chunks = append(chunks, chunk)
	}
	s.mu.RUnlock()
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkNumber < chunks[j].ChunkNumber })
	return chunks, nil
}

func (s *MemoryStore) CountChunks(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[sessionID]), nil
}

func (s *MemoryStore) DeleteChunk(ctx context.Context, sessionID string, chunkNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byNumber, ok := s.chunks[sessionID]; ok {
		delete(byNumber, chunkNumber)
	}
	return nil
}

func (s *MemoryStore) DeleteChunks(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, sessionID)
	return nil
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, artifact models.TemporaryArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[artifact.ID]; exists {
		return fmt.Errorf("%w: %s", ErrArtifactExists, artifact.ID)
	}
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, id string) (models.TemporaryArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return models.TemporaryArtifact{}, ErrArtifactNotFound
	}
	return artifact, nil
}

func (s *MemoryStore) ListExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]models.TemporaryArtifact, error) {
	s.mu.RLock()
	expired := make([]models.TemporaryArtifact, 0)
	for _, artifact := range s.artifacts {
		if artifact.Status == models.ArtifactStatusTemporary && artifact.ExpiresAt.Before(now) {
			expired = append(expired, artifact)
		}
	}
	s.mu.RUnlock()
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *MemoryStore) TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus) (models.TemporaryArtifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return models.TemporaryArtifact{}, false, ErrArtifactNotFound
	}
	if artifact.Status != from {
		return artifact, false, nil
	}
	artifact.Status = to
	s.artifacts[id] = artifact
	return artifact, true, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func cloneSession(session models.UploadSession) models.UploadSession {
	if session.CompletedAt != nil {
		completed := *session.CompletedAt
		session.CompletedAt = &completed
	}
	return session
}

func sortSessions(sessions []models.UploadSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ExpiresAt.Equal(sessions[j].ExpiresAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].ExpiresAt.Before(sessions[j].ExpiresAt)
	})
}
