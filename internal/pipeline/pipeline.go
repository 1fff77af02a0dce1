package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"panostitch/internal/logging"
	"panostitch/internal/storage"
)

// ErrQueueFull is returned by Submit when the queue has no free slot.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned once the pipeline has been stopped.
var ErrStopped = errors.New("pipeline stopped")

// Job is a single stitching request.
type Job struct {
	ID          string         `json:"id"`
	Inputs      []string       `json:"inputs"`
	Output      string         `json:"output"`
	Mode        string         `json:"mode,omitempty"`
	Format      string         `json:"format,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Diagnostics string         `json:"diagnostics,omitempty"`
}

// Result captures the outcome of a Job. Components are aligned with the
// panoramas written to the output directory.
type Result struct {
	Job        Job                       `json:"job"`
	State      string                    `json:"state"`
	Components []storage.ComponentRecord `json:"components,omitempty"`
	Skipped    []int                     `json:"skipped,omitempty"`
	Duration   time.Duration             `json:"duration"`
	Error      error                     `json:"-"`
}

// Err returns the error text, empty on success.
func (r Result) Err() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline queues jobs for a single worker. One worker is enough because a
// Stitcher runs one stitch at a time.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store

	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New starts the worker. queue bounds the number of pending jobs.
func New(ctx context.Context, queue int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if queue < 1 {
		queue = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queue),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}
	p.wg.Add(1)
	go p.worker(ctx)
	return p
}

// Submit adds a job to the queue and returns its id, generating one when
// the job has none.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrStopped
	}

	// The row goes in before the worker can see the job, so its updates
	// always find it.
	queued := p.recordQueued(job)
	select {
	case p.jobs <- job:
	default:
		if queued {
			if err := p.store.DeleteRun(job.ID); err != nil {
				p.log.Warn("failed to drop rejected run", "id", job.ID, "error", err)
			}
		}
		return "", ErrQueueFull
	}
	return job.ID, nil
}

func (p *Pipeline) recordQueued(job Job) bool {
	if p.store == nil {
		return false
	}
	paramsJSON, _ := json.Marshal(job.Params)
	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:         job.ID,
		Mode:       job.Mode,
		Status:     "queued",
		Inputs:     job.Inputs,
		ParamsJSON: string(paramsJSON),
		OutputDir:  job.Output,
	}); err != nil {
		p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
		return false
	}
	return true
}

// Run submits job and blocks until its result arrives or ctx is done.
func (p *Pipeline) Run(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	ch, unsub := p.Subscribe()
	defer unsub()

	if _, err := p.Submit(job); err != nil {
		return Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Job: job}, ctx.Err()
		case res, ok := <-ch:
			if !ok {
				return Result{Job: job}, ErrStopped
			}
			if res.Job.ID == job.ID {
				return res, nil
			}
		}
	}
}

// Stop signals the worker to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.execute(ctx, job))
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogRunStart(p.log, job.ID, job.Mode, len(job.Inputs), job.Output)
	if p.store != nil {
		if err := p.store.RecordRunStart(job.ID); err != nil {
			p.log.Warn("failed to record run start", "id", job.ID, "error", err)
		}
	}

	res := p.process(ctx, job)
	res.Job = job
	res.Duration = time.Since(start)

	if res.Error != nil {
		logging.LogRunError(p.log, job.ID, res.Duration, res.Error)
	} else {
		sets := make([][]int, len(res.Components))
		for i, c := range res.Components {
			sets[i] = c.Indices
		}
		logging.LogRunComplete(p.log, job.ID, res.Duration, sets, outputBytes(res.Components))
	}
	if p.store != nil {
		if err := p.store.RecordRunResult(job.ID, res.State, res.Components, res.Err()); err != nil {
			p.log.Warn("failed to record run result", "id", job.ID, "error", err)
		}
	}
	return res
}

// process shields the worker from a panicking processor.
func (p *Pipeline) process(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor panicked", "id", job.ID, "panic", r)
			res = Result{Job: job, State: "failed", Error: fmt.Errorf("processor panic: %v", r)}
		}
	}()
	return p.processor.Process(ctx, job)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
