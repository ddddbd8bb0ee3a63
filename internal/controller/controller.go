// Package controller drives the iterative analysis loop for one subject:
// chunk the stored log, submit each chunk to the analysis service, merge
// the returned assessment into the profile chain, and synthesize the final
// report. Iterations are strictly sequential; every analyze-then-merge
// cycle is checkpointed so an interrupted run resumes without replaying
// merged chunks.
package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"

	"github.com/pentestfunctions/psychoshit/internal/analyzer"
	"github.com/pentestfunctions/psychoshit/internal/chunker"
	"github.com/pentestfunctions/psychoshit/internal/metrics"
	"github.com/pentestfunctions/psychoshit/internal/profile"
	"github.com/pentestfunctions/psychoshit/internal/report"
	"github.com/pentestfunctions/psychoshit/internal/store"
)

// Analyzer is the slice of the analysis client the controller drives.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (*analyzer.Result, error)
}

// Subject identifies whose stored history a run analyzes.
type Subject struct {
	GuildID  string
	UserID   string
	Username string
}

// Options tunes one controller. Zero values fall back to defaults via fill.
type Options struct {
	ChunkMaxCost     int
	ChunkMaxCount    int
	MaxChunkAttempts int
	// MaxIterations caps how many chunks a run analyzes; 0 means all.
	MaxIterations   int
	StabilityWindow int
}

func (o *Options) fill() {
	if o.ChunkMaxCost <= 0 {
		o.ChunkMaxCost = 25000
	}
	if o.ChunkMaxCount <= 0 {
		o.ChunkMaxCount = 500
	}
	if o.MaxChunkAttempts <= 0 {
		o.MaxChunkAttempts = 3
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = 5
	}
}

// Controller owns the analysis state machine for single subjects.
type Controller struct {
	store    store.Store
	analyzer Analyzer
	opts     Options
	logger   *zap.Logger
}

// New creates a controller over the given store and analysis client.
func New(st store.Store, an Analyzer, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.fill()
	return &Controller{
		store:    st,
		analyzer: an,
		opts:     opts,
		logger:   logger.Named("controller"),
	}
}

// Run analyzes one subject's stored log to completion. If the subject's
// latest run is still marked running it is resumed from its last persisted
// state instead of starting over. The chunk limits in force when the run
// was created are recorded on the run row and reused on resume, so the
// partition stays stable across restarts even if the configured limits
// change in between.
//
// Auth and fatal analysis errors abort the run: the chain and records are
// preserved and a partial report is synthesized, returned alongside the
// error. Context cancellation leaves the run resumable.
func (c *Controller) Run(ctx context.Context, subject Subject) (*report.Report, error) {
	log, err := c.store.GetUserLog(ctx, subject.GuildID, subject.UserID)
	if err != nil {
		return nil, err
	}
	if len(log) == 0 {
		return nil, fmt.Errorf("no stored messages for user %s in guild %s", subject.UserID, subject.GuildID)
	}

	run, state, startChunk, err := c.openRun(ctx, subject)
	if err != nil {
		return nil, err
	}

	chunks := chunker.Split(log, run.ChunkMaxCost, run.ChunkMaxCount)
	if c.opts.MaxIterations > 0 && len(chunks) > c.opts.MaxIterations {
		c.logger.Warn("Truncating analysis to iteration cap",
			zap.Int("chunks", len(chunks)),
			zap.Int("cap", c.opts.MaxIterations))
		chunks = chunks[:c.opts.MaxIterations]
	}

	c.logger.Info("Analysis run started",
		zap.String("run_id", run.RunID),
		zap.String("subject", subject.UserID),
		zap.Int("messages", len(log)),
		zap.Int("chunks", len(chunks)),
		zap.Int("start_chunk", startChunk))

	// Metrics are pure functions of the log, so the cumulative snapshot for
	// already-merged chunks is rebuilt rather than persisted.
	var cumulative metrics.Snapshot
	history := make([]metrics.Snapshot, 0, len(chunks))
	for i := 0; i < startChunk && i < len(chunks); i++ {
		cumulative = metrics.Merge(cumulative, metrics.Local(chunks[i].Messages))
		history = append(history, cumulative)
	}

	for i := startChunk; i < len(chunks); i++ {
		chunk := chunks[i]
		local := metrics.Local(chunk.Messages)
		cumulative = metrics.Merge(cumulative, local)
		history = append(history, cumulative)

		outcome, err := c.analyzeChunk(ctx, subject, chunk, len(chunks), state, local, cumulative)
		if err != nil {
			if apperrors.IsErrorType(err, apperrors.ErrorTypeContext) {
				// Leave the run marked running so it resumes here.
				return nil, err
			}
			c.logger.Error("Aborting run", zap.String("run_id", run.RunID), zap.Error(err))
			rep, finErr := c.finalize(ctx, run, state, history[:len(history)-1], store.RunStatusAborted)
			if finErr != nil {
				return nil, fmt.Errorf("%w (report synthesis also failed: %v)", err, finErr)
			}
			return rep, err
		}

		next := state.Merge(chunk.Index, outcome.observations, outcome.summary)
		if err := c.checkpoint(ctx, run.RunID, state, next, chunk, outcome); err != nil {
			return nil, err
		}
		state = next
	}

	return c.finalize(ctx, run, state, history, store.RunStatusDone)
}

// openRun resumes the subject's latest unfinished run or creates a fresh
// one, returning the working profile state and the first chunk index still
// to analyze. A fresh run records the current chunk limits; a resumed run
// keeps the limits it was created with, since its checkpointed chunk
// indices are only meaningful under that partition.
func (c *Controller) openRun(ctx context.Context, subject Subject) (*store.Run, *profile.State, int, error) {
	run, err := c.store.LatestRun(ctx, subject.GuildID, subject.UserID)
	if err != nil {
		return nil, nil, 0, err
	}

	if run == nil || run.Status != store.RunStatusRunning {
		run = &store.Run{
			RunID:         uuid.NewString(),
			GuildID:       subject.GuildID,
			SubjectID:     subject.UserID,
			Status:        store.RunStatusRunning,
			ChunkMaxCost:  c.opts.ChunkMaxCost,
			ChunkMaxCount: c.opts.ChunkMaxCount,
		}
		if err := c.store.CreateRun(ctx, run); err != nil {
			return nil, nil, 0, err
		}
		return run, profile.NewState(), 0, nil
	}

	// Runs persisted before limits were recorded carry zeroes.
	if run.ChunkMaxCost <= 0 {
		run.ChunkMaxCost = c.opts.ChunkMaxCost
	}
	if run.ChunkMaxCount <= 0 {
		run.ChunkMaxCount = c.opts.ChunkMaxCount
	}
	if run.ChunkMaxCost != c.opts.ChunkMaxCost || run.ChunkMaxCount != c.opts.ChunkMaxCount {
		c.logger.Warn("Configured chunk limits differ from the run's recorded limits, keeping the recorded ones",
			zap.String("run_id", run.RunID),
			zap.Int("run_max_cost", run.ChunkMaxCost),
			zap.Int("run_max_count", run.ChunkMaxCount),
			zap.Int("configured_max_cost", c.opts.ChunkMaxCost),
			zap.Int("configured_max_count", c.opts.ChunkMaxCount))
	}

	last, err := c.store.LastCompletedChunk(ctx, run.RunID)
	if err != nil {
		return nil, nil, 0, err
	}
	state := profile.NewState()
	if row, err := c.store.LatestProfileState(ctx, run.RunID); err != nil {
		return nil, nil, 0, err
	} else if row != nil {
		traits, err := profile.DecodeTraits(row.Traits)
		if err != nil {
			return nil, nil, 0, err
		}
		state = &profile.State{
			ID:        row.StateID,
			ParentID:  row.ParentID.String,
			Iteration: row.Iteration,
			Traits:    traits,
			Summary:   row.Summary,
			CreatedAt: row.CreatedAt,
		}
	}

	c.logger.Info("Resuming run",
		zap.String("run_id", run.RunID),
		zap.Int("last_completed_chunk", last))
	return run, state, last + 1, nil
}

// chunkOutcome is one accepted analyze cycle, possibly degraded.
type chunkOutcome struct {
	observations []profile.Observation
	summary      string
	raw          string
	retries      int
	degraded     bool
}

// analyzeChunk submits one chunk, retrying schema violations up to the
// attempt ceiling. When the chunk is large, retries resend a reduced prefix
// of it; after the ceiling, whatever valid traits the last response carried
// are accepted at degraded confidence so the run keeps moving.
func (c *Controller) analyzeChunk(ctx context.Context, subject Subject, chunk chunker.Chunk,
	totalChunks int, state *profile.State, local, cumulative metrics.Snapshot) (*chunkOutcome, error) {

	msgs := chunk.Messages
	cost := chunk.Cost
	var lastRaw string

	profileSummary := ""
	if state.Iteration >= 0 {
		profileSummary = state.CompactSummary()
	}

	for attempt := 1; attempt <= c.opts.MaxChunkAttempts; attempt++ {
		res, err := c.analyzer.Analyze(ctx, analyzer.Request{
			SubjectID:      subject.UserID,
			Username:       subject.Username,
			ChunkIndex:     chunk.Index,
			TotalChunks:    totalChunks,
			Messages:       msgs,
			ProfileSummary: profileSummary,
			Local:          local,
			Cumulative:     cumulative,
		})
		if res != nil {
			lastRaw = res.Raw
		}
		if err == nil {
			return &chunkOutcome{
				observations: res.Assessment.Observations(),
				summary:      res.Assessment.Summary,
				raw:          res.Raw,
				retries:      attempt - 1,
			}, nil
		}
		if !apperrors.IsErrorType(err, apperrors.ErrorTypeSchema) {
			return nil, err
		}

		c.logger.Warn("Analysis response failed validation",
			zap.Int("chunk", chunk.Index),
			zap.Int("attempt", attempt),
			zap.Error(err))

		// A reduced retry only makes sense for a chunk big enough that
		// prompt size could be the problem.
		if cost > c.opts.ChunkMaxCost/2 && len(msgs) > 1 {
			msgs = msgs[:(len(msgs)+1)/2]
			cost = 0
			for i := range msgs {
				cost += chunker.Cost(&msgs[i])
			}
		}
	}

	c.logger.Warn("Accepting degraded assessment after validation retries",
		zap.Int("chunk", chunk.Index),
		zap.Int("attempts", c.opts.MaxChunkAttempts))
	return &chunkOutcome{
		observations: salvageObservations(lastRaw),
		summary:      state.Summary,
		raw:          lastRaw,
		retries:      c.opts.MaxChunkAttempts,
		degraded:     true,
	}, nil
}

// salvageObservations recovers whatever well-formed traits a rejected
// response carried, pinned at degraded confidence. An unparseable body
// yields none, which merges as a no-op iteration.
func salvageObservations(raw string) []profile.Observation {
	var a analyzer.Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil
	}

	var obs []profile.Observation
	for _, name := range profile.TraitNames {
		t, ok := a.Traits[name]
		if !ok || t.Value < -1 || t.Value > 1 {
			continue
		}
		obs = append(obs, profile.Observation{
			Name:       name,
			Value:      t.Value,
			Confidence: profile.DegradedConfidence,
			Rationale:  t.Rationale,
		})
	}
	return obs
}

// checkpoint persists one completed iteration: the new profile state and
// its audit record.
func (c *Controller) checkpoint(ctx context.Context, runID string, prev, next *profile.State,
	chunk chunker.Chunk, outcome *chunkOutcome) error {

	traits, err := next.EncodeTraits()
	if err != nil {
		return err
	}

	row := &store.ProfileStateRow{
		StateID:   next.ID,
		RunID:     runID,
		Iteration: next.Iteration,
		Traits:    traits,
		Summary:   next.Summary,
		CreatedAt: next.CreatedAt,
	}
	if prev.Iteration >= 0 {
		row.ParentID = sql.NullString{String: prev.ID, Valid: true}
	}
	if err := c.store.SaveProfileState(ctx, row); err != nil {
		return err
	}

	status := store.IterationStatusOK
	if outcome.degraded {
		status = store.IterationStatusDegraded
	}
	return c.store.AppendIterationRecord(ctx, &store.IterationRecord{
		RunID:          runID,
		ChunkIndex:     chunk.Index,
		RequestSummary: fmt.Sprintf("%d messages, %d chars", len(chunk.Messages), chunk.Cost),
		ResponseRaw:    outcome.raw,
		Status:         status,
		StateID:        next.ID,
		Retries:        outcome.retries,
	})
}

// finalize transitions the run's status, synthesizes the report from the
// persisted chain, and stores the artifact.
func (c *Controller) finalize(ctx context.Context, run *store.Run, state *profile.State,
	history []metrics.Snapshot, status string) (*report.Report, error) {

	if err := c.store.UpdateRunStatus(ctx, run.RunID, status); err != nil {
		return nil, err
	}
	run.Status = status

	records, err := c.store.GetIterationRecords(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	chain, err := c.store.ListProfileStates(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	rep, err := report.Synthesize(run, state, history, records, chain, c.opts.StabilityWindow)
	if err != nil {
		return nil, err
	}

	doc, err := rep.ToJSON()
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveReport(ctx, &store.ReportRow{
		RunID:     run.RunID,
		GuildID:   run.GuildID,
		SubjectID: run.SubjectID,
		Report:    doc,
	}); err != nil {
		return nil, err
	}

	c.logger.Info("Analysis run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", status),
		zap.Int("iterations", rep.Iterations),
		zap.Int("degraded", rep.DegradedIterations))
	return rep, nil
}
