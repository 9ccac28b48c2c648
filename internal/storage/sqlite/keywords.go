package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

// CachedKeywords looks up the keyword cache by the prompt's content
// hash. A hit increments the usage count.
func (db *DB) CachedKeywords(ctx context.Context, prompt string) ([]model.Keyword, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	hash := storage.PromptHash(prompt)
	var kwJSON string
	err := db.db.QueryRowContext(ctx,
		`SELECT keywords FROM keyword_cache WHERE prompt_hash = ?`, hash,
	).Scan(&kwJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: keyword cache lookup: %w", err)
	}

	if _, err := db.db.ExecContext(ctx,
		`UPDATE keyword_cache SET usage_count = usage_count + 1 WHERE prompt_hash = ?`, hash,
	); err != nil {
		return nil, fmt.Errorf("sqlite: bump keyword cache usage: %w", err)
	}

	var kws []model.Keyword
	if err := json.Unmarshal([]byte(kwJSON), &kws); err != nil {
		return nil, fmt.Errorf("sqlite: decode cached keywords: %w", err)
	}
	return kws, nil
}

// CacheKeywords stores the extracted keyword set for a prompt.
func (db *DB) CacheKeywords(ctx context.Context, prompt string, kws []model.Keyword) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	kwJSON, err := json.Marshal(kws)
	if err != nil {
		return fmt.Errorf("sqlite: marshal keywords: %w", err)
	}
	_, err = db.db.ExecContext(ctx,
		`INSERT INTO keyword_cache (prompt_hash, prompt, keywords)
		 VALUES (?, ?, ?)
		 ON CONFLICT (prompt_hash) DO UPDATE SET keywords = excluded.keywords`,
		storage.PromptHash(prompt), prompt, string(kwJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlite: cache keywords: %w", err)
	}
	return nil
}
