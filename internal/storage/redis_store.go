package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mediahub/internal/models"
)

// transitionScript performs the conditional status swap server side.
// KEYS[1] is the record hash and KEYS[2] the index sorted set. ARGV holds the
// allowed status count, the allowed statuses, the index operation
// ("add" | "rem" | "none"), its score and member, then field/value pairs.
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1}
end
local n = tonumber(ARGV[1])
local current = redis.call('HGET', KEYS[1], 'status')
local allowed = false
for i = 2, n + 1 do
  if ARGV[i] == current then
    allowed = true
    break
  end
end
if not allowed then
  return {0, redis.call('HGETALL', KEYS[1])}
end
for i = n + 5, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local op = ARGV[n + 2]
if op == 'add' then
  redis.call('ZADD', KEYS[2], ARGV[n + 3], ARGV[n + 4])
elseif op == 'rem' then
  redis.call('ZREM', KEYS[2], ARGV[n + 4])
end
return {1, redis.call('HGETALL', KEYS[1])}
`)

// RedisConfig configures the Redis backed store.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisStore keeps each session in a hash. Immutable attributes live in a
// JSON "data" field; mutable ones are separate fields so the transition
// script can update them without decoding the document.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "mediahub"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":uploads:session:" + id }
func (s *RedisStore) tokenKey(token string) string { return s.prefix + ":uploads:token:" + token }
func (s *RedisStore) chunksKey(id string) string { return s.prefix + ":uploads:chunks:" + id }
func (s *RedisStore) byExpiryKey() string { return s.prefix + ":uploads:by-expiry" }
func (s *RedisStore) byUpdatedKey() string { return s.prefix + ":uploads:by-updated" }
func (s *RedisStore) artifactKey(id string) string { return s.prefix + ":artifacts:" + id }
func (s *RedisStore) temporaryArtifactsKey() string { return s.prefix + ":artifacts:temporary" }

type redisSessionData struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	OwnerID       string    `json:"ownerId"`
	FileName      string    `json:"fileName"`
	MimeType      string    `json:"mimeType"`
	MediaType     string    `json:"mediaType"`
	TotalFileSize int64     `json:"totalFileSize"`
	TotalChunks   int       `json:"totalChunks"`
	ChunkSize     int64     `json:"chunkSize"`
	Checksum      string    `json:"checksum,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (s *RedisStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	data, err := json.Marshal(redisSessionData{
		ID: session.ID, Token: session.Token, OwnerID: session.OwnerID, FileName: session.FileName,
		MimeType: session.MimeType, MediaType: session.MediaType, TotalFileSize: session.TotalFileSize,
		TotalChunks: session.TotalChunks, ChunkSize: session.ChunkSize, Checksum: session.Checksum,
		CreatedAt: session.CreatedAt, ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode upload session: %w", err)
	}
	claimed, err := s.client.SetNX(ctx, s.tokenKey(session.Token), session.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim upload token: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: token collision", ErrSessionExists)
	}
	fields := map[string]any{"data": string(data)}
	for field, value := range mutableSessionFields(session) {
		fields[field] = value
	}
	created, err := s.client.HSetNX(ctx, s.sessionKey(session.ID), "data", string(data)).Result()
	if err != nil || !created {
		_ = s.client.Del(ctx, s.tokenKey(session.Token)).Err()
		if err != nil {
			return fmt.Errorf("insert upload session: %w", err)
		}
		return fmt.Errorf("%w: id %s", ErrSessionExists, session.ID)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(session.ID), fields)
		pipe.ZAdd(ctx, s.byExpiryKey(), redis.Z{Score: float64(toMicros(session.ExpiresAt)), Member: session.ID})
		pipe.ZAdd(ctx, s.byUpdatedKey(), redis.Z{Score: float64(toMicros(session.UpdatedAt)), Member: session.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("index upload session: %w", err)
	}
	return nil
}

func mutableSessionFields(session models.UploadSession) map[string]any {
	completed := ""
	if session.CompletedAt != nil {
		completed = formatRedisTime(*session.CompletedAt)
	}
	return map[string]any{
		"status":         string(session.Status),
		"updated_at":     formatRedisTime(session.UpdatedAt),
		"failure_reason": session.FailureReason,
		"final_key":      session.FinalKey,
		"final_url":      session.FinalURL,
		"final_size":     strconv.FormatInt(session.FinalSize, 10),
		"completed_at":   completed,
	}
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	values, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("get upload session: %w", err)
	}
	return decodeRedisSession(values)
}

func (s *RedisStore) GetSessionByToken(ctx context.Context, token string) (models.UploadSession, error) {
	id, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("resolve upload token: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *RedisStore) TransitionStatus(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, update StatusUpdate) (models.UploadSession, bool, error) {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	args := []any{len(from)}
	for _, status := range from {
		args = append(args, string(status))
	}
	args = append(args, "add", toMicros(at), id)
	args = append(args, "status", string(to), "updated_at", formatRedisTime(at))
	if update.FailureReason != "" {
		args = append(args, "failure_reason", update.FailureReason)
	}
	if update.FinalKey != "" {
		args = append(args, "final_key", update.FinalKey)
	}
	if update.FinalURL != "" {
		args = append(args, "final_url", update.FinalURL)
	}
	if update.FinalSize > 0 {
		args = append(args, "final_size", strconv.FormatInt(update.FinalSize, 10))
	}
	if update.CompletedAt != nil {
		args = append(args, "completed_at", formatRedisTime(*update.CompletedAt))
	}
	values, swapped, err := s.runTransition(ctx, []string{s.sessionKey(id), s.byUpdatedKey()}, args)
	if errors.Is(err, errRedisMissing) {
		return models.UploadSession{}, false, ErrSessionNotFound
	}
	if err != nil {
		return models.UploadSession{}, false, fmt.Errorf("transition upload session: %w", err)
	}
	session, err := decodeRedisSession(values)
	if err != nil {
		return models.UploadSession{}, false, err
	}
	return session, swapped, nil
}

var errRedisMissing = errors.New("redis record missing")

func (s *RedisStore) runTransition(ctx context.Context, keys []string, args []any) (map[string]string, bool, error) {
	result, err := transitionScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, false, err
	}
	if len(result) == 0 {
		return nil, false, fmt.Errorf("unexpected empty script reply")
	}
	code, _ := result[0].(int64)
	if code < 0 {
		return nil, false, errRedisMissing
	}
	if len(result) < 2 {
		return nil, false, fmt.Errorf("unexpected script reply length %d", len(result))
	}
	flat, _ := result[1].([]any)
	values := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		field, _ := flat[i].(string)
		value, _ := flat[i+1].(string)
		values[field] = value
	}
	return values, code == 1, nil
}

func (s *RedisStore) ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error) {
	index := s.byExpiryKey()
	upper := "+inf"
	switch {
	case !filter.ExpiresBefore.IsZero():
		upper = "(" + strconv.FormatInt(toMicros(filter.ExpiresBefore), 10)
	case !filter.UpdatedBefore.IsZero():
		index = s.byUpdatedKey()
		upper = "(" + strconv.FormatInt(toMicros(filter.UpdatedBefore), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, fmt.Errorf("list upload sessions: %w", err)
	}
	if len(ids) == 0 {
		return []models.UploadSession{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load upload sessions: %w", err)
	}
	sessions := make([]models.UploadSession, 0, len(ids))
	for _, cmd := range cmds {
		session, err := decodeRedisSession(cmd.Val())
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.matches(session) {
			sessions = append(sessions, session)
		}
	}
	if filter.HasChunks {
		if sessions, err = s.withChunks(ctx, sessions); err != nil {
			return nil, err
		}
	}
	sortSessions(sessions)
	if filter.Limit > 0 && len(sessions) > filter.Limit {
		sessions = sessions[:filter.Limit]
	}
	return sessions, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	session, err := s.GetSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(id), s.chunksKey(id), s.tokenKey(session.Token))
		pipe.ZRem(ctx, s.byExpiryKey(), id)
		pipe.ZRem(ctx, s.byUpdatedKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete upload session: %w", err)
	}
	return nil
}

func (s *RedisStore) CreateChunkIfAbsent(ctx context.Context, chunk models.UploadChunk) (bool, error) {
	exists, err := s.client.Exists(ctx, s.sessionKey(chunk.SessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check upload session: %w", err)
	}
	if exists == 0 {
		return false, ErrSessionNotFound
	}
	encoded, err := json.Marshal(chunk)
	if err != nil {
		return false, fmt.Errorf("encode upload chunk: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.chunksKey(chunk.SessionID), strconv.Itoa(chunk.ChunkNumber), encoded).Result()
	if err != nil {
		return false, fmt.Errorf("insert upload chunk: %w", err)
	}
	return created, nil
}

func (s *RedisStore) GetChunk(ctx context.Context, sessionID string, chunkNumber int) (models.UploadChunk, error) {
	raw, err := s.client.HGet(ctx, s.chunksKey(sessionID), strconv.Itoa(chunkNumber)).Result()
	if errors.Is(err, redis.Nil) {
		return models.UploadChunk{}, ErrChunkNotFound
	}
	if err != nil {
		return models.UploadChunk{}, fmt.Errorf("get upload chunk: %w", err)
	}
	var chunk models.UploadChunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		return models.UploadChunk{}, fmt.Errorf("decode upload chunk: %w", err)
	}
	return chunk, nil
}

func (s *RedisStore) ListChunks(ctx context.Context, sessionID string) ([]models.UploadChunk, error) {
	values, err := s.client.HGetAll(ctx, s.chunksKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list upload chunks: %w", err)
	}
	chunks := make([]models.UploadChunk, 0, len(values))
	for _, raw := range values {
		var chunk models.UploadChunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			return nil, fmt.Errorf("decode upload chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkNumber < chunks[j].ChunkNumber })
	return chunks, nil
}

func (s *RedisStore) withChunks(ctx context.Context, sessions []models.UploadSession) ([]models.UploadSession, error) {
	cmds := make([]*redis.IntCmd, len(sessions))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, session := range sessions {
			cmds[i] = pipe.Exists(ctx, s.chunksKey(session.ID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check upload chunks: %w", err)
	}
	kept := sessions[:0]
	for i, session := range sessions {
		if cmds[i].Val() > 0 {
			kept = append(kept, session)
		}
	}
	return kept, nil
}

func (s *RedisStore) CountChunks(ctx context.Context, sessionID string) (int, error) {
	count, err := s.client.HLen(ctx, s.chunksKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count upload chunks: %w", err)
	}
	return int(count), nil
}

func (s *RedisStore) DeleteChunk(ctx context.Context, sessionID string, chunkNumber int) error {
	if err := s.client.HDel(ctx, s.chunksKey(sessionID), strconv.Itoa(chunkNumber)).Err(); err != nil {
		return fmt.Errorf("delete upload chunk: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteChunks(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.chunksKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete upload chunks: %w", err)
	}
	return nil
}

func (s *RedisStore) CreateArtifact(ctx context.Context, artifact models.TemporaryArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.artifactKey(artifact.ID), "data", string(data)).Result()
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrArtifactExists, artifact.ID)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.artifactKey(artifact.ID), "status", string(artifact.Status))
		if artifact.Status == models.ArtifactStatusTemporary {
			pipe.ZAdd(ctx, s.temporaryArtifactsKey(), redis.Z{Score: float64(toMicros(artifact.ExpiresAt)), Member: artifact.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index artifact: %w", err)
	}
	return nil
}

func (s *RedisStore) GetArtifact(ctx context.Context, id string) (models.TemporaryArtifact, error) {
	values, err := s.client.HGetAll(ctx, s.artifactKey(id)).Result()
	if err != nil {
		return models.TemporaryArtifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return decodeRedisArtifact(values)
}

func (s *RedisStore) ListExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]models.TemporaryArtifact, error) {
	query := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(toMicros(now), 10)}
	if limit > 0 {
		query.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.temporaryArtifactsKey(), query).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	artifacts := make([]models.TemporaryArtifact, 0, len(ids))
	for _, id := range ids {
		artifact, err := s.GetArtifact(ctx, id)
		if errors.Is(err, ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if artifact.Status == models.ArtifactStatusTemporary {
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts, nil
}

func (s *RedisStore) TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus) (models.TemporaryArtifact, bool, error) {
	op := "rem"
	if to == models.ArtifactStatusTemporary {
		op = "none"
	}
	args := []any{1, string(from), op, 0, id, "status", string(to)}
	values, swapped, err := s.runTransition(ctx, []string{s.artifactKey(id), s.temporaryArtifactsKey()}, args)
	if errors.Is(err, errRedisMissing) {
		return models.TemporaryArtifact{}, false, ErrArtifactNotFound
	}
	if err != nil {
		return models.TemporaryArtifact{}, false, fmt.Errorf("transition artifact: %w", err)
	}
	artifact, err := decodeRedisArtifact(values)
	if err != nil {
		return models.TemporaryArtifact{}, false, err
	}
	return artifact, swapped, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func decodeRedisSession(values map[string]string) (models.UploadSession, error) {
	raw, ok := values["data"]
	if !ok || raw == "" {
		return models.UploadSession{}, ErrSessionNotFound
	}
	var data redisSessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return models.UploadSession{}, fmt.Errorf("decode upload session: %w", err)
	}
	session := models.UploadSession{
		ID: data.ID, Token: data.Token, OwnerID: data.OwnerID, FileName: data.FileName,
		MimeType: data.MimeType, MediaType: data.MediaType, TotalFileSize: data.TotalFileSize,
		TotalChunks: data.TotalChunks, ChunkSize: data.ChunkSize, Checksum: data.Checksum,
		CreatedAt: data.CreatedAt.UTC(), ExpiresAt: data.ExpiresAt.UTC(),
		Status:        models.UploadStatus(values["status"]),
		FailureReason: values["failure_reason"],
		FinalKey:      values["final_key"],
		FinalURL:      values["final_url"],
	}
	if size := values["final_size"]; size != "" {
		parsed, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return models.UploadSession{}, fmt.Errorf("decode final size: %w", err)
		}
		session.FinalSize = parsed
	}
	updated, err := parseRedisTime(values["updated_at"])
	if err != nil {
		return models.UploadSession{}, err
	}
	session.UpdatedAt = updated
	if completed := values["completed_at"]; completed != "" {
		parsed, err := parseRedisTime(completed)
		if err != nil {
			return models.UploadSession{}, err
		}
		session.CompletedAt = &parsed
	}
	return session, nil
}

func decodeRedisArtifact(values map[string]string) (models.TemporaryArtifact, error) {
	raw, ok := values["data"]
	if !ok || raw == "" {
		return models.TemporaryArtifact{}, ErrArtifactNotFound
	}
	var artifact models.TemporaryArtifact
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		return models.TemporaryArtifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	if status := values["status"]; status != "" {
		artifact.Status = models.ArtifactStatus(status)
	}
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	artifact.ExpiresAt = artifact.ExpiresAt.UTC()
	return artifact, nil
}

func formatRedisTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRedisTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", value, err)
	}
	return parsed.UTC(), nil
}
