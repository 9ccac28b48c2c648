// Package jobs runs the background pipelines that drive tree nodes
// through generation: image generation, regeneration, branch
// expansion, and keyword extraction. Each node has at most one
// in-flight job at a time.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/orchestrator"
	"github.com/verdantlabs/canopy/internal/storage"
)

// ErrNodeBusy is returned when a job is submitted for a node that
// already has one in flight.
var ErrNodeBusy = errors.New("jobs: node already has a job in flight")

// Generator runs one full best-of-N generation for a prompt.
type Generator interface {
	Generate(ctx context.Context, treeID uuid.UUID, prompt string, cfg orchestrator.Config) (orchestrator.Result, error)
}

// Extractor produces keyword metadata for a prompt.
type Extractor interface {
	Extract(ctx context.Context, prompt string) ([]model.Keyword, error)
}

// TextCompleter is the language-backend slice used for branch prompt
// generation.
type TextCompleter interface {
	GenerateText(ctx context.Context, prompt, system string) (string, error)
}

// Options bound the runner's concurrency and retry behavior.
type Options struct {
	// Workers caps concurrently running jobs.
	Workers int
	// JobTimeout bounds one job end to end, covering every retry.
	JobTimeout time.Duration
	// MaxRetries bounds whole-generation retries taken when the final
	// verdict of a run recommends one.
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Runner owns the background jobs. Jobs detach from the submitting
// request's context and run under the runner's own, so an HTTP-style
// caller going away does not cancel a generation.
type Runner struct {
	store     storage.Store
	gen       Generator
	extractor Extractor
	completer TextCompleter
	logger    *slog.Logger
	opts      Options

	// cfg is swapped whole on settings changes; in-flight jobs keep
	// the snapshot they started with.
	cfg atomic.Pointer[orchestrator.Config]

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	wg       sync.WaitGroup

	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewRunner creates a runner with the given collaborators and an
// initial generation config.
func NewRunner(store storage.Store, gen Generator, extractor Extractor, completer TextCompleter, genCfg orchestrator.Config, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:     store,
		gen:       gen,
		extractor: extractor,
		completer: completer,
		logger:    logger,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		inflight:  make(map[uuid.UUID]struct{}),
		rootCtx:   ctx,
		cancel:    cancel,
	}
	r.cfg.Store(&genCfg)
	return r
}

// UpdateConfig atomically publishes a new generation config. Jobs
// started after the call see the new snapshot; in-flight jobs finish
// on the one they started with.
func (r *Runner) UpdateConfig(cfg orchestrator.Config) {
	r.cfg.Store(&cfg)
}

// Config returns the current generation config snapshot.
func (r *Runner) Config() orchestrator.Config {
	return *r.cfg.Load()
}

// Close cancels all in-flight jobs and waits for them to settle.
// Cancelled jobs still mark their nodes failed rather than leaving
// them stuck in generating.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every submitted job has finished. Test and CLI
// convenience.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// acquireNode claims single-flight ownership of a node id.
func (r *Runner) acquireNode(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return ErrNodeBusy
	}
	r.inflight[id] = struct{}{}
	return nil
}

func (r *Runner) releaseNode(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

// spawn runs fn as a bounded background job that owns nodeID until it
// returns.
func (r *Runner) spawn(nodeID uuid.UUID, task model.Task, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.releaseNode(nodeID)

		if err := r.sem.Acquire(r.rootCtx, 1); err != nil {
			r.failTask(task, fmt.Errorf("jobs: runner shutting down: %w", err))
			r.markNodeFailed(nodeID)
			return
		}
		defer r.sem.Release(1)

		ctx, cancel := context.WithTimeout(r.rootCtx, r.opts.JobTimeout)
		defer cancel()

		if err := r.store.UpdateTask(ctx, task.ID, model.TaskStatusRunning, nil, ""); err != nil {
			r.logger.Warn("failed to mark task running", "task_id", task.ID, "error", err)
		}

		if err := fn(ctx); err != nil {
			r.logger.Error("job failed", "task_id", task.ID, "kind", task.Kind, "node_id", nodeID, "error", err)
			r.failTask(task, err)
			r.markNodeFailed(nodeID)
		}
	}()
}

// failTask records a terminal failure on the task, outside the job's
// possibly-dead context.
func (r *Runner) failTask(task model.Task, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateTask(ctx, task.ID, model.TaskStatusFailed, nil, jobErr.Error()); err != nil {
		r.logger.Warn("failed to mark task failed", "task_id", task.ID, "error", err)
	}
}

// markNodeFailed forces the node to a terminal state so it is never
// left showing generating after a dead job.
func (r *Runner) markNodeFailed(nodeID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status := model.NodeStatusFailed
	if err := r.store.UpdateNode(ctx, nodeID, storage.NodePatch{Status: &status}); err != nil {
		r.logger.Warn("failed to mark node failed", "node_id", nodeID, "error", err)
	}
}

// completeTask records a successful finish with a JSON result payload.
func (r *Runner) completeTask(ctx context.Context, task model.Task, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("failed to marshal task result", "task_id", task.ID, "error", err)
		payload = nil
	}
	if err := r.store.UpdateTask(ctx, task.ID, model.TaskStatusCompleted, payload, ""); err != nil {
		r.logger.Warn("failed to mark task completed", "task_id", task.ID, "error", err)
	}
}
