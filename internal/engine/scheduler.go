package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lazypower/diarist/internal/analysis"
	"github.com/lazypower/diarist/internal/store"
)

// RunOptions select what one RunJobs invocation does. Zero values take the
// configured defaults.
type RunOptions struct {
	Limit    int           `json:"limit"`
	Backend  string        `json:"backend"`
	Timeout  time.Duration `json:"timeout"`
	WorkerID string        `json:"worker_id,omitempty"`
}

// RunResult summarizes one RunJobs invocation.
type RunResult struct {
	BatchID      string `json:"batch_id"`
	WorkerID     string `json:"worker_id"`
	Backend      string `json:"backend"`
	Processed    int    `json:"processed"`
	Done         int    `json:"done"`
	Failed       int    `json:"failed"`
	Exhausted    int    `json:"exhausted"`
	Skipped      int    `json:"skipped"`
	Dropped      int    `json:"dropped"`
	Released     int    `json:"released"`
	Requeued     int    `json:"requeued"`
	Recovered    int    `json:"recovered"`
	RolledUp     int    `json:"rolled_up"`
	Consolidated int    `json:"consolidated"`
}

type jobOutcome struct {
	entryID int64
	status  string
}

// RunJobs requeues retryable jobs, recovers stale ones, then claims and
// executes up to Limit pending jobs, Workers at a time, and rolls up every
// entry it touched. Backend failures are recorded on the job and never
// returned; only store failures are.
func (e *Engine) RunJobs(ctx context.Context, opts RunOptions) (*RunResult, error) {
	opts = e.runDefaults(opts)
	backend, err := e.backend(opts.Backend)
	if err != nil {
		return nil, err
	}

	res := &RunResult{WorkerID: opts.WorkerID, Backend: backend.Kind()}
	res.BatchID, err = e.DB.CreateBatch(store.BatchWorker, map[string]any{
		"worker_id": opts.WorkerID,
		"backend":   backend.Kind(),
		"limit":     opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	log := e.Log.With().Str("batch_id", res.BatchID).Str("worker_id", opts.WorkerID).Logger()

	touched := make(map[int64]bool)
	maxAttempts := e.cfg.Pipeline.MaxAttempts

	requeued, err := e.DB.RequeueRetryable(res.BatchID, maxAttempts)
	if err != nil {
		return nil, err
	}
	res.Requeued = len(requeued)
	for _, t := range requeued {
		if t.Status == store.JobFailedExhausted {
			touched[t.EntryID] = true
		}
	}

	recovered, err := e.DB.RecoverStale(res.BatchID, e.cfg.Pipeline.StaleAfter(), maxAttempts)
	if err != nil {
		return nil, err
	}
	res.Recovered = len(recovered)
	for _, t := range recovered {
		log.Warn().Int64("job_id", t.JobID).Int("attempts", t.Attempts).Str("status", t.Status).
			Msg("scheduler: recovered stale job")
		if t.Status == store.JobFailedExhausted {
			touched[t.EntryID] = true
		}
	}

	pending, err := e.DB.PendingJobs(opts.Limit)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		storeErr error
	)
	sem := make(chan struct{}, e.cfg.Pipeline.Workers)
	for _, jb := range pending {
		if ctx.Err() != nil {
			break
		}
		jobBackend := e.backendFor(jb.Block, backend)
		if reason := e.precondition(jb.Block, jobBackend); reason != "" {
			ok, err := e.DB.SkipJob(res.BatchID, jb.Job.ID, reason)
			if err != nil {
				return nil, err
			}
			if ok {
				res.Skipped++
				res.Processed++
				touched[jb.Block.EntryID] = true
				e.Metrics.JobOutcome(store.JobSkipped)
				log.Debug().Int64("job_id", jb.Job.ID).Str("reason", reason).Msg("scheduler: skipped")
			}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(jb store.JobWithBlock, jobBackend analysis.Backend) {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := e.runOne(ctx, res.BatchID, opts, jobBackend, jb)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if storeErr == nil {
					storeErr = err
				}
				return
			}
			switch out.status {
			case "":
				return // lost the claim race
			case store.JobPending:
				res.Released++
				return
			}
			res.Processed++
			touched[out.entryID] = true
			switch out.status {
			case store.JobDone:
				res.Done++
			case store.JobFailedRetryable:
				res.Failed++
			case store.JobFailedExhausted:
				res.Failed++
				res.Exhausted++
			case "dropped":
				res.Dropped++
			}
		}(jb, jobBackend)
	}
	wg.Wait()
	if storeErr != nil {
		return res, storeErr
	}

	entryIDs := make([]int64, 0, len(touched))
	for id := range touched {
		entryIDs = append(entryIDs, id)
	}
	sort.Slice(entryIDs, func(i, j int) bool { return entryIDs[i] < entryIDs[j] })
	for _, id := range entryIDs {
		r, err := e.MaybeRollup(ctx, id, res.BatchID)
		if err != nil {
			log.Error().Err(err).Int64("entry_id", id).Msg("scheduler: rollup failed")
			continue
		}
		if r.Written {
			res.RolledUp++
			if r.Consolidation != nil && r.Consolidation.Applied > 0 {
				res.Consolidated++
			}
		}
	}

	log.Info().Int("processed", res.Processed).Int("done", res.Done).Int("failed", res.Failed).
		Int("skipped", res.Skipped).Int("rolled_up", res.RolledUp).Msg("scheduler: run complete")
	return res, nil
}

// runOne claims and executes a single job. An empty status means another
// worker claimed it first.
func (e *Engine) runOne(ctx context.Context, batchID string, opts RunOptions, backend analysis.Backend, jb store.JobWithBlock) (jobOutcome, error) {
	out := jobOutcome{entryID: jb.Block.EntryID}
	log := e.Log.With().Int64("job_id", jb.Job.ID).Int64("entry_id", jb.Block.EntryID).Logger()

	token, err := e.DB.ClaimJob(batchID, jb.Job.ID, opts.WorkerID, backend.Kind())
	if err != nil {
		return out, err
	}
	if token == "" {
		return out, nil
	}

	in := analysis.Input{Title: jb.Block.Title, Text: jb.Block.RawText}
	if backend.Kind() == analysis.KindRemote {
		in.Title = e.Redactor.Text(in.Title)
		in.Text = e.Redactor.Text(in.Text)
	}

	start := time.Now()
	result, runErr := e.execute(ctx, backend, in, opts.Timeout)
	e.Metrics.ObserveJob(backend.Kind(), time.Since(start))

	if runErr == nil {
		body, err := json.Marshal(result.Analysis)
		if err != nil {
			runErr = fmt.Errorf("%w: %v", analysis.ErrMalformed, err)
		} else {
			err = e.DB.CompleteJob(store.Completion{
				JobID:         jb.Job.ID,
				ClaimToken:    token,
				BatchID:       batchID,
				Backend:       backend.Kind(),
				Model:         result.Model,
				PromptVersion: result.PromptVersion,
				Analysis:      body,
			})
			switch {
			case errors.Is(err, store.ErrStaleClaim):
				log.Debug().Msg("scheduler: late result discarded")
				out.status = "dropped"
				return out, nil
			case err != nil:
				return out, err
			}
			out.status = store.JobDone
			e.Metrics.JobOutcome(store.JobDone)
			log.Debug().Dur("took", time.Since(start)).Msg("scheduler: job done")
			return out, nil
		}
	}

	if errors.Is(runErr, errInterrupted) {
		err := e.DB.ReleaseJob(batchID, jb.Job.ID, token, runErr.Error())
		switch {
		case errors.Is(err, store.ErrStaleClaim):
			out.status = "dropped"
			return out, nil
		case err != nil:
			return out, err
		}
		out.status = store.JobPending
		log.Info().Msg("scheduler: interrupted job released")
		return out, nil
	}

	status, err := e.DB.FailJob(batchID, jb.Job.ID, token, runErr.Error(), e.cfg.Pipeline.MaxAttempts)
	switch {
	case errors.Is(err, store.ErrStaleClaim):
		log.Debug().Msg("scheduler: failure for a reclaimed job discarded")
		out.status = "dropped"
		return out, nil
	case err != nil:
		return out, err
	}
	out.status = status
	e.Metrics.JobOutcome(status)
	log.Warn().Err(runErr).Str("status", status).Msg("scheduler: attempt failed")
	return out, nil
}

// execute runs the backend in its own goroutine so a backend that ignores
// cancellation still cannot hold the job past the deadline. A late result
// is dropped into the buffered channel and discarded.
func (e *Engine) execute(parent context.Context, backend analysis.Backend, in analysis.Input, timeout time.Duration) (*analysis.Result, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		res *analysis.Result
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: backend panic: %v", analysis.ErrTransport, r)}
			}
		}()
		res, err := backend.Analyze(ctx, in)
		ch <- result{res, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && parent.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errInterrupted, parent.Err())
		}
		if r.err == nil && r.res == nil {
			return nil, fmt.Errorf("%w: backend returned no result", analysis.ErrMalformed)
		}
		return r.res, r.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errInterrupted, parent.Err())
		}
		return nil, fmt.Errorf("%w after %s", analysis.ErrTimeout, timeout)
	}
}

// errInterrupted marks an attempt cut off by the caller's cancellation. The
// job goes back to pending uncharged.
var errInterrupted = errors.New("run interrupted")

// backendFor keeps sensitive blocks off a remote backend: they run on the
// local backend when one is registered.
func (e *Engine) backendFor(b store.Block, selected analysis.Backend) analysis.Backend {
	if !b.Sensitive || selected.Kind() != analysis.KindRemote {
		return selected
	}
	if local, ok := e.Backends[analysis.KindLocal]; ok && local != nil {
		return local
	}
	return selected
}

// precondition returns why a block must be skipped, or "". A sensitive
// block only reaches here with a remote backend when no local one exists.
func (e *Engine) precondition(b store.Block, backend analysis.Backend) string {
	n := utf8.RuneCountInString(strings.TrimSpace(b.RawText))
	switch {
	case n < e.cfg.Pipeline.MinBlockChars:
		return fmt.Sprintf("block too short: %d chars", n)
	case n > e.cfg.Pipeline.MaxBlockChars:
		return fmt.Sprintf("block too long: %d chars (max %d)", n, e.cfg.Pipeline.MaxBlockChars)
	case b.Sensitive && backend.Kind() == analysis.KindRemote:
		return "sensitive block and no local backend configured"
	}
	return ""
}

func (e *Engine) runDefaults(opts RunOptions) RunOptions {
	if opts.Limit <= 0 {
		opts.Limit = e.cfg.Pipeline.ClaimLimit
	}
	if opts.Backend == "" {
		opts.Backend = e.cfg.DefaultBackend
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.cfg.Pipeline.AttemptTimeout
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	return opts
}

func (e *Engine) backend(kind string) (analysis.Backend, error) {
	b, ok := e.Backends[kind]
	if !ok || b == nil {
		return nil, &InputError{Reason: fmt.Sprintf("no %q analysis backend configured", kind)}
	}
	return b, nil
}
