package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/logging"
)

const (
	// KeywordsCacheKey holds the JSON snapshot of every rule.
	KeywordsCacheKey = "keywords:all"
	keywordsCacheTTL = time.Hour
)

// SnapshotCache is the best-effort cache used for the rule snapshot.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// KeywordService is the rule source for the monitor and the API: validation, duplicate
// checks and snapshot caching on top of Repository.
type KeywordService struct {
	repo   *Repository
	cache  SnapshotCache
	logger *slog.Logger
}

// NewKeywordService wires repository, snapshot cache and logger.
// Params: repository, cache (nil disables snapshot caching) and logger.
// Returns: keyword service.
func NewKeywordService(repo *Repository, cache SnapshotCache, logger *slog.Logger) *KeywordService {
	return &KeywordService{repo: repo, cache: cache, logger: logging.Component(logger, "keywords")}
}

// ListAll returns the cached rule snapshot, loading from the database on miss.
// Params: ctx for cancellation.
// Returns: rules newest first.
func (s *KeywordService) ListAll(ctx context.Context) ([]domain.KeywordRule, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, KeywordsCacheKey); ok {
			var rules []domain.KeywordRule
			if err := json.Unmarshal([]byte(cached), &rules); err == nil {
				return rules, nil
			}
			s.logger.Warn("discarding corrupt keyword snapshot")
		}
	}

	rules, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if body, err := json.Marshal(rules); err == nil {
			s.cache.Set(ctx, KeywordsCacheKey, string(body), keywordsCacheTTL)
		}
	}
	return rules, nil
}

// FindOne returns one rule.
// Params: rule id.
// Returns: rule or domain.ErrNotFound.
func (s *KeywordService) FindOne(ctx context.Context, id int64) (domain.KeywordRule, error) {
	return s.repo.Get(ctx, id)
}

// Create validates and stores one rule.
// Params: rule without id.
// Returns: stored rule, ErrInvalidInput or ErrDuplicateKeyword.
func (s *KeywordService) Create(ctx context.Context, rule domain.KeywordRule) (domain.KeywordRule, error) {
	if err := rule.Validate(); err != nil {
		return domain.KeywordRule{}, err
	}
	exists, err := s.repo.ExistsByContent(ctx, rule.Content, 0)
	if err != nil {
		return domain.KeywordRule{}, err
	}
	if exists {
		return domain.KeywordRule{}, fmt.Errorf("keyword %q: %w", rule.Content, domain.ErrDuplicateKeyword)
	}

	created, err := s.repo.Create(ctx, rule)
	if err != nil {
		return domain.KeywordRule{}, err
	}
	s.invalidate(ctx)
	s.logger.Info("keyword created", "id", created.ID, "content", created.Content)
	return created, nil
}

// BatchCreate validates and stores rules atomically.
// Params: rules without ids.
// Returns: stored rules, ErrInvalidInput or ErrDuplicateKeyword.
func (s *KeywordService) BatchCreate(ctx context.Context, rules []domain.KeywordRule) ([]domain.KeywordRule, error) {
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("keyword #%d: %w", i+1, err)
		}
		if _, dup := seen[rule.Content]; dup {
			return nil, fmt.Errorf("keyword %q repeated in batch: %w", rule.Content, domain.ErrDuplicateKeyword)
		}
		seen[rule.Content] = struct{}{}
	}

	created, err := s.repo.CreateBatch(ctx, rules)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	s.logger.Info("keywords created", "count", len(created))
	return created, nil
}

// Update applies a partial update.
// Params: rule id and patch.
// Returns: stored rule, ErrNotFound, ErrInvalidInput or ErrDuplicateKeyword.
func (s *KeywordService) Update(ctx context.Context, id int64, patch domain.KeywordPatch) (domain.KeywordRule, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.KeywordRule{}, err
	}
	next := patch.Apply(current)
	if err := next.Validate(); err != nil {
		return domain.KeywordRule{}, err
	}
	if next.Content != current.Content {
		exists, err := s.repo.ExistsByContent(ctx, next.Content, id)
		if err != nil {
			return domain.KeywordRule{}, err
		}
		if exists {
			return domain.KeywordRule{}, fmt.Errorf("keyword %q: %w", next.Content, domain.ErrDuplicateKeyword)
		}
	}

	updated, err := s.repo.Update(ctx, next)
	if err != nil {
		return domain.KeywordRule{}, err
	}
	s.invalidate(ctx)
	s.logger.Info("keyword updated", "id", id)
	return updated, nil
}

// Delete removes one rule.
// Params: rule id.
// Returns: domain.ErrNotFound for unknown id.
func (s *KeywordService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.logger.Info("keyword deleted", "id", id)
	return nil
}

// BatchDelete removes several rules; unknown ids are ignored.
// Params: rule ids (must not be empty).
// Returns: ErrEmptyIDs or storage error.
func (s *KeywordService) BatchDelete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return domain.ErrEmptyIDs
	}
	deleted, err := s.repo.DeleteMany(ctx, ids)
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	s.logger.Info("keywords deleted", "requested", len(ids), "deleted", deleted)
	return nil
}

// Invalidate drops the cached snapshot; exported for out-of-process writers such as the CLI.
func (s *KeywordService) Invalidate(ctx context.Context) {
	s.invalidate(ctx)
}

func (s *KeywordService) invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.Delete(ctx, KeywordsCacheKey)
	}
}

// IsDuplicate reports whether err is a duplicate-content rejection.
func IsDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicateKeyword)
}
