package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

// CachedKeywords looks up the keyword cache by the prompt's content
// hash. A hit increments the usage count.
func (db *DB) CachedKeywords(ctx context.Context, prompt string) ([]model.Keyword, error) {
	hash := storage.PromptHash(prompt)
	var kwJSON []byte
	err := db.pool.QueryRow(ctx,
		`UPDATE keyword_cache SET usage_count = usage_count + 1
		 WHERE prompt_hash = $1
		 RETURNING keywords`, hash,
	).Scan(&kwJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: keyword cache lookup: %w", err)
	}

	var kws []model.Keyword
	if err := json.Unmarshal(kwJSON, &kws); err != nil {
		return nil, fmt.Errorf("postgres: decode cached keywords: %w", err)
	}
	return kws, nil
}

// CacheKeywords stores the extracted keyword set for a prompt.
// Re-caching the same prompt replaces the set.
func (db *DB) CacheKeywords(ctx context.Context, prompt string, kws []model.Keyword) error {
	kwJSON, err := json.Marshal(kws)
	if err != nil {
		return fmt.Errorf("postgres: marshal keywords: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO keyword_cache (prompt_hash, prompt, keywords)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (prompt_hash) DO UPDATE SET keywords = EXCLUDED.keywords`,
		storage.PromptHash(prompt), prompt, kwJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: cache keywords: %w", err)
	}
	return nil
}
