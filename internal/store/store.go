package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Store defines the data access layer. Methods accept context.Context for
// cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// SavePage atomically appends one fetched page of messages and the
	// channel cursor that covers it. Duplicate message ids are ignored;
	// the returned count is the number of newly inserted rows.
	SavePage(ctx context.Context, msgs []*Message, cursor *ChannelCursor) (int, error)

	// GetCursor retrieves the persisted cursor for a channel. Returns
	// nil, nil if the channel has never been fetched.
	GetCursor(ctx context.Context, channelID string) (*ChannelCursor, error)

	// GetUserLog retrieves one user's full ordered message log, strictly
	// ascending by timestamp with the message id as tiebreaker.
	GetUserLog(ctx context.Context, guildID, userID string) ([]Message, error)

	// ListUserSummaries aggregates stored history per user for a guild.
	ListUserSummaries(ctx context.Context, guildID string) ([]UserSummary, error)

	// CreateRun records a new analysis run.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRunStatus transitions a run's status.
	UpdateRunStatus(ctx context.Context, runID, status string) error

	// LatestRun returns the most recent run for a subject, or nil, nil.
	LatestRun(ctx context.Context, guildID, subjectID string) (*Run, error)

	// SaveProfileState appends one immutable profile state.
	SaveProfileState(ctx context.Context, state *ProfileStateRow) error

	// LatestProfileState returns the highest-iteration state for a run,
	// or nil, nil if the run has produced none yet.
	LatestProfileState(ctx context.Context, runID string) (*ProfileStateRow, error)

	// ListProfileStates returns a run's full state chain ordered by
	// iteration.
	ListProfileStates(ctx context.Context, runID string) ([]ProfileStateRow, error)

	// AppendIterationRecord appends one audit record.
	AppendIterationRecord(ctx context.Context, rec *IterationRecord) error

	// GetIterationRecords returns a run's records ordered by chunk index.
	GetIterationRecords(ctx context.Context, runID string) ([]IterationRecord, error)

	// LastCompletedChunk returns the highest chunk index with a recorded
	// ok or degraded iteration, or -1 if none.
	LastCompletedChunk(ctx context.Context, runID string) (int, error)

	// SaveReport stores the terminal report artifact for a run.
	SaveReport(ctx context.Context, report *ReportRow) error

	// GetReport retrieves a run's report, or nil, nil if absent.
	GetReport(ctx context.Context, runID string) (*ReportRow, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sqlxStore{
		db:     db,
		logger: logger.Named("store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) SavePage(ctx context.Context, msgs []*Message, cursor *ChannelCursor) (int, error) {
	if cursor == nil {
		return 0, fmt.Errorf("cannot save page without a cursor")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.Warn("Error rolling back transaction", zap.Error(rollbackErr))
			}
		}
	}()

	now := time.Now().UTC()
	inserted := 0
	const insertMsg = `
        INSERT OR IGNORE INTO messages
            (id, guild_id, channel_id, user_id, username, content, timestamp, mentions, has_attachment, is_reply, word_count, created_at)
        VALUES
            (:id, :guild_id, :channel_id, :user_id, :username, :content, :timestamp, :mentions, :has_attachment, :is_reply, :word_count, :created_at);
    `
	for _, m := range msgs {
		if m.ID == "" || m.UserID == "" || m.ChannelID == "" {
			return 0, fmt.Errorf("message missing required identifiers (id=%q)", m.ID)
		}
		m.WordCount = len(strings.Fields(m.Content))
		m.CreatedAt = now
		res, err := tx.NamedExecContext(ctx, insertMsg, m)
		if err != nil {
			return 0, fmt.Errorf("failed to save message %s: %w", m.ID, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			inserted += int(affected)
		}
	}

	cursor.UpdatedAt = now
	const upsertCursor = `
        INSERT INTO channel_cursors (channel_id, guild_id, before_id, direction, exhausted, updated_at)
        VALUES (:channel_id, :guild_id, :before_id, :direction, :exhausted, :updated_at)
        ON CONFLICT(channel_id) DO UPDATE SET
            before_id = excluded.before_id,
            exhausted = excluded.exhausted,
            updated_at = excluded.updated_at;
    `
	if _, err := tx.NamedExecContext(ctx, upsertCursor, cursor); err != nil {
		return 0, fmt.Errorf("failed to persist cursor for channel %s: %w", cursor.ChannelID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit page: %w", err)
	}
	tx = nil
	return inserted, nil
}

func (s *sqlxStore) GetCursor(ctx context.Context, channelID string) (*ChannelCursor, error) {
	var cursor ChannelCursor
	err := s.db.GetContext(ctx, &cursor,
		`SELECT * FROM channel_cursors WHERE channel_id = ?`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor for channel %s: %w", channelID, err)
	}
	return &cursor, nil
}

func (s *sqlxStore) GetUserLog(ctx context.Context, guildID, userID string) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, `
        SELECT * FROM messages
        WHERE guild_id = ? AND user_id = ?
        ORDER BY timestamp ASC, id ASC`, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user log %s/%s: %w", guildID, userID, err)
	}
	return msgs, nil
}

func (s *sqlxStore) ListUserSummaries(ctx context.Context, guildID string) ([]UserSummary, error) {
	var summaries []UserSummary
	err := s.db.SelectContext(ctx, &summaries, `
        SELECT
            user_id,
            MAX(username) AS username,
            COUNT(*) AS message_count,
            SUM(LENGTH(content)) AS total_chars,
            SUM(word_count) AS total_words,
            COUNT(DISTINCT channel_id) AS channels_used,
            SUM(has_attachment) AS attachments,
            SUM(CASE WHEN mentions IS NULL OR mentions = '' THEN 0
                     ELSE json_array_length(mentions) END) AS mention_count,
            MIN(timestamp) AS first_seen,
            MAX(timestamp) AS last_seen
        FROM messages
        WHERE guild_id = ?
        GROUP BY user_id
        ORDER BY message_count DESC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user summaries for guild %s: %w", guildID, err)
	}
	return summaries, nil
}

func (s *sqlxStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO runs (run_id, guild_id, subject_id, status, chunk_max_cost, chunk_max_count, created_at, updated_at)
        VALUES (:run_id, :guild_id, :subject_id, :status, :chunk_max_cost, :chunk_max_count, :created_at, :updated_at)`, run)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *sqlxStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected != 1 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

func (s *sqlxStore) LatestRun(ctx context.Context, guildID, subjectID string) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, `
        SELECT * FROM runs
        WHERE guild_id = ? AND subject_id = ?
        ORDER BY created_at DESC LIMIT 1`, guildID, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run for %s/%s: %w", guildID, subjectID, err)
	}
	return &run, nil
}

func (s *sqlxStore) SaveProfileState(ctx context.Context, state *ProfileStateRow) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO profile_states (state_id, run_id, parent_id, iteration, traits, summary, created_at)
        VALUES (:state_id, :run_id, :parent_id, :iteration, :traits, :summary, :created_at)`, state)
	if err != nil {
		return fmt.Errorf("failed to save profile state %s: %w", state.StateID, err)
	}
	return nil
}

func (s *sqlxStore) LatestProfileState(ctx context.Context, runID string) (*ProfileStateRow, error) {
	var state ProfileStateRow
	err := s.db.GetContext(ctx, &state, `
        SELECT * FROM profile_states
        WHERE run_id = ?
        ORDER BY iteration DESC LIMIT 1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest profile state for run %s: %w", runID, err)
	}
	return &state, nil
}

func (s *sqlxStore) ListProfileStates(ctx context.Context, runID string) ([]ProfileStateRow, error) {
	var states []ProfileStateRow
	err := s.db.SelectContext(ctx, &states, `
        SELECT * FROM profile_states
        WHERE run_id = ?
        ORDER BY iteration ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile states for run %s: %w", runID, err)
	}
	return states, nil
}

func (s *sqlxStore) AppendIterationRecord(ctx context.Context, rec *IterationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.NamedExecContext(ctx, `
        INSERT INTO iteration_records
            (run_id, chunk_index, request_summary, response_raw, status, state_id, retries, created_at)
        VALUES
            (:run_id, :chunk_index, :request_summary, :response_raw, :status, :state_id, :retries, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to append iteration record for run %s: %w", rec.RunID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqlxStore) GetIterationRecords(ctx context.Context, runID string) ([]IterationRecord, error) {
	var recs []IterationRecord
	err := s.db.SelectContext(ctx, &recs, `
        SELECT * FROM iteration_records
        WHERE run_id = ?
        ORDER BY chunk_index ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load iteration records for run %s: %w", runID, err)
	}
	return recs, nil
}

func (s *sqlxStore) LastCompletedChunk(ctx context.Context, runID string) (int, error) {
	var idx sql.NullInt64
	err := s.db.GetContext(ctx, &idx, `
        SELECT MAX(chunk_index) FROM iteration_records
        WHERE run_id = ? AND status IN (?, ?)`,
		runID, IterationStatusOK, IterationStatusDegraded)
	if err != nil {
		return -1, fmt.Errorf("failed to find last completed chunk for run %s: %w", runID, err)
	}
	if !idx.Valid {
		return -1, nil
	}
	return int(idx.Int64), nil
}

func (s *sqlxStore) SaveReport(ctx context.Context, report *ReportRow) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO reports (run_id, guild_id, subject_id, report, created_at)
        VALUES (:run_id, :guild_id, :subject_id, :report, :created_at)
        ON CONFLICT(run_id) DO UPDATE SET report = excluded.report, created_at = excluded.created_at`, report)
	if err != nil {
		return fmt.Errorf("failed to save report for run %s: %w", report.RunID, err)
	}
	return nil
}

func (s *sqlxStore) GetReport(ctx context.Context, runID string) (*ReportRow, error) {
	var report ReportRow
	err := s.db.GetContext(ctx, &report, `SELECT * FROM reports WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report for run %s: %w", runID, err)
	}
	return &report, nil
}
