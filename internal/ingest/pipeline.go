// Package ingest paginates channel histories into the message store. Every
// page request passes through the shared rate limiter, every stored page
// checkpoints its channel cursor, and a crash mid-run resumes without
// refetching or duplicating.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"

	"github.com/pentestfunctions/psychoshit/internal/ratelimit"
	"github.com/pentestfunctions/psychoshit/internal/store"
)

// Scope selects what one ingestion run covers. Immutable once the run
// starts.
type Scope struct {
	GuildID         string
	ChannelIDs      []string // optional filter; empty = all text channels
	PerChannelLimit int      // optional cap on messages fetched per channel this run; 0 = unbounded
}

// Options tunes the pipeline. Zero values fall back to conservative
// defaults.
type Options struct {
	PageSize          int
	Concurrency       int
	MaxFetchAttempts  int
	RetryAfterPadding time.Duration
	BaseBackoff       time.Duration
}

func (o *Options) fill() {
	if o.PageSize <= 0 || o.PageSize > 100 {
		o.PageSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxFetchAttempts <= 0 {
		o.MaxFetchAttempts = 5
	}
	if o.RetryAfterPadding <= 0 {
		o.RetryAfterPadding = 500 * time.Millisecond
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
}

// ChannelReport summarizes one channel's outcome within a run.
type ChannelReport struct {
	ChannelID string
	Name      string
	Fetched   int
	Stored    int
	Skipped   bool
	Reason    string
}

// Result summarizes an ingestion run.
type Result struct {
	GuildID  string
	Channels []ChannelReport
	Users    []store.UserSummary
}

// Pipeline ingests guild message history.
type Pipeline struct {
	fetcher Fetcher
	store   store.Store
	limiter *ratelimit.Limiter
	opts    Options
	logger  *zap.Logger
}

// New creates an ingestion pipeline.
func New(fetcher Fetcher, st store.Store, limiter *ratelimit.Limiter, opts Options, logger *zap.Logger) *Pipeline {
	opts.fill()
	return &Pipeline{
		fetcher: fetcher,
		store:   st,
		limiter: limiter,
		opts:    opts,
		logger:  logger.Named("ingest"),
	}
}

// Run ingests the scoped channels concurrently, one worker per channel up to
// the concurrency ceiling. A single channel's persistent failure is recorded
// and skipped; credential failure aborts the whole run.
func (p *Pipeline) Run(ctx context.Context, scope Scope) (*Result, error) {
	channels, err := p.fetcher.GuildChannels(ctx, scope.GuildID)
	if err != nil {
		return nil, err
	}
	channels = filterChannels(channels, scope.ChannelIDs)

	p.logger.Info("Starting ingestion",
		zap.String("guild_id", scope.GuildID),
		zap.Int("channels", len(channels)),
		zap.Int("concurrency", p.opts.Concurrency),
	)

	var mu sync.Mutex
	reports := make([]ChannelReport, 0, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			report, err := p.ingestChannel(gctx, scope, ch)
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return err
		})
	}

	runErr := g.Wait()

	result := &Result{GuildID: scope.GuildID, Channels: reports}
	if users, err := p.store.ListUserSummaries(ctx, scope.GuildID); err == nil {
		result.Users = users
	} else {
		p.logger.Warn("Failed to summarize users after ingestion", zap.Error(err))
	}

	if runErr != nil {
		// Cursors for completed pages are already persisted; the
		// partial result stays resumable.
		return result, runErr
	}

	p.logger.Info("Ingestion complete",
		zap.String("guild_id", scope.GuildID),
		zap.Int("channels", len(reports)),
		zap.Int("users", len(result.Users)),
	)
	return result, nil
}

// ingestChannel pages one channel backward from its persisted cursor (or the
// head) until exhaustion, the per-channel cap, or a terminal error. Returned
// errors abort the whole run; skippable failures are folded into the report.
func (p *Pipeline) ingestChannel(ctx context.Context, scope Scope, ch Channel) (ChannelReport, error) {
	report := ChannelReport{ChannelID: ch.ID, Name: ch.Name}
	log := p.logger.With(zap.String("channel_id", ch.ID), zap.String("channel_name", ch.Name))

	cursor, err := p.store.GetCursor(ctx, ch.ID)
	if err != nil {
		return report, apperrors.NewFatal("corrupted channel checkpoint", err)
	}
	beforeID := ""
	if cursor != nil {
		if cursor.Exhausted {
			report.Skipped = true
			report.Reason = "already fully ingested"
			return report, nil
		}
		beforeID = cursor.BeforeID
		log.Debug("Resuming from persisted cursor", zap.String("before_id", beforeID))
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.opts.BaseBackoff
	exp.Multiplier = 2
	exp.Reset()
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return report, apperrors.NewContextCancelled("ingest channel "+ch.ID, ctx.Err())
		default:
		}

		if err := p.limiter.Acquire(ctx, 1); err != nil {
			return report, err
		}

		pageSize := p.opts.PageSize
		if scope.PerChannelLimit > 0 {
			if remaining := scope.PerChannelLimit - report.Fetched; remaining < pageSize {
				pageSize = remaining
			}
		}

		page, err := p.fetcher.ChannelMessages(ctx, scope.GuildID, ch.ID, pageSize, beforeID)
		if err != nil {
			switch {
			case apperrors.IsErrorType(err, apperrors.ErrorTypeThrottled):
				// Honored, not counted as failure.
				if retryAfter, ok := apperrors.RetryAfter(err); ok {
					p.limiter.Report(retryAfter + p.opts.RetryAfterPadding)
				}
				continue
			case apperrors.IsErrorType(err, apperrors.ErrorTypePermission):
				log.Warn("Channel inaccessible, skipping", zap.Error(err))
				report.Skipped = true
				report.Reason = err.Error()
				return report, nil
			case apperrors.IsErrorType(err, apperrors.ErrorTypeTransient):
				attempts++
				if attempts >= p.opts.MaxFetchAttempts {
					log.Warn("Channel failed persistently, skipping",
						zap.Int("attempts", attempts), zap.Error(err))
					report.Skipped = true
					report.Reason = apperrors.NewRetriesExhausted("fetch "+ch.ID, attempts, err).Error()
					return report, nil
				}
				wait := exp.NextBackOff()
				log.Debug("Transient fetch failure, backing off",
					zap.Int("attempt", attempts), zap.Duration("backoff", wait))
				select {
				case <-ctx.Done():
					return report, apperrors.NewContextCancelled("ingest channel "+ch.ID, ctx.Err())
				case <-time.After(wait):
				}
				continue
			default:
				// Auth, fatal, cancellation: abort the run.
				return report, err
			}
		}
		attempts = 0
		exp.Reset()

		if len(page) == 0 {
			if err := p.checkpoint(ctx, scope.GuildID, ch.ID, nil, beforeID, true); err != nil {
				return report, err
			}
			log.Debug("Channel exhausted", zap.Int("fetched", report.Fetched))
			return report, nil
		}

		// Pages arrive newest first; the oldest id is the next cursor.
		report.Fetched += len(page)
		beforeID = page[len(page)-1].ID
		exhausted := len(page) < pageSize

		keep := make([]*store.Message, 0, len(page))
		for _, m := range page {
			// Bots and messages with no content or attachment carry
			// no behavioral signal.
			if m.UserID == "" || (m.Content == "" && !m.HasAttachment) {
				continue
			}
			keep = append(keep, m)
		}

		stored, err := p.checkpointPage(ctx, scope.GuildID, ch.ID, keep, beforeID, exhausted)
		if err != nil {
			return report, err
		}
		report.Stored += stored

		if exhausted {
			log.Debug("Channel exhausted", zap.Int("fetched", report.Fetched), zap.Int("stored", report.Stored))
			return report, nil
		}
		if scope.PerChannelLimit > 0 && report.Fetched >= scope.PerChannelLimit {
			log.Debug("Per-channel limit reached", zap.Int("fetched", report.Fetched))
			return report, nil
		}
	}
}

func (p *Pipeline) checkpoint(ctx context.Context, guildID, channelID string, msgs []*store.Message, beforeID string, exhausted bool) error {
	_, err := p.checkpointPage(ctx, guildID, channelID, msgs, beforeID, exhausted)
	return err
}

func (p *Pipeline) checkpointPage(ctx context.Context, guildID, channelID string, msgs []*store.Message, beforeID string, exhausted bool) (int, error) {
	stored, err := p.store.SavePage(ctx, msgs, &store.ChannelCursor{
		ChannelID: channelID,
		GuildID:   guildID,
		BeforeID:  beforeID,
		Direction: "backward",
		Exhausted: exhausted,
	})
	if err != nil {
		return 0, apperrors.NewFatal("failed to checkpoint page", err)
	}
	return stored, nil
}

func filterChannels(channels []Channel, ids []string) []Channel {
	if len(ids) == 0 {
		return channels
	}
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	var out []Channel
	for _, ch := range channels {
		if allowed[ch.ID] {
			out = append(out, ch)
		}
	}
	return out
}
