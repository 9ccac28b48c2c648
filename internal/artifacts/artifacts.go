// Package artifacts persists generated images to the local
// filesystem, one folder per tree, with iteration and best-result
// naming that survives process restarts.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Sink writes generation artifacts under a root directory.
type Sink struct {
	root string
}

// NewSink creates a sink rooted at dir, creating it if needed.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root %s: %w", dir, err)
	}
	return &Sink{root: dir}, nil
}

// Root returns the sink's base directory.
func (s *Sink) Root() string {
	return s.root
}

// SaveIteration stores one candidate image from a generation run.
// The filename carries the iteration number, a short prompt digest,
// and the quality score so a run's artifacts sort and read naturally.
func (s *Sink) SaveIteration(treeID uuid.UUID, iteration int, prompt string, score float64, image []byte) (string, error) {
	name := fmt.Sprintf("iter%d_%s_q%.1f.png", iteration, promptDigest(prompt), score)
	return s.save(treeID, name, image)
}

// SaveBest stores the winning image of a generation run.
func (s *Sink) SaveBest(treeID uuid.UUID, prompt string, score float64, image []byte) (string, error) {
	name := fmt.Sprintf("BEST_%s_q%.1f.png", promptDigest(prompt), score)
	return s.save(treeID, name, image)
}

func (s *Sink) save(treeID uuid.UUID, name string, image []byte) (string, error) {
	dir := filepath.Join(s.root, treeID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create tree dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", path, err)
	}
	return path, nil
}

// promptDigest is a short stable digest of the prompt text, prefixed
// with its leading words for readability.
func promptDigest(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	slug := slugify(prompt, 24)
	if slug == "" {
		return hex.EncodeToString(sum[:4])
	}
	return slug + "_" + hex.EncodeToString(sum[:4])
}

func slugify(s string, max int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if b.Len() >= max {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteByte('-')
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
