package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Run status values.
const (
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusAborted = "aborted"
)

// Iteration record status values.
const (
	IterationStatusOK       = "ok"
	IterationStatusDegraded = "degraded"
)

// Message is one stored chat message. Rows are append-only: once inserted a
// message is never updated or deleted, and the id column deduplicates
// re-fetches across resumed runs.
type Message struct {
	ID            string    `db:"id"`
	GuildID       string    `db:"guild_id"`
	ChannelID     string    `db:"channel_id"`
	UserID        string    `db:"user_id"`
	Username      string    `db:"username"`
	Content       string    `db:"content"`
	Timestamp     time.Time `db:"timestamp"`
	Mentions      string    `db:"mentions"` // JSON array of user ids
	HasAttachment bool      `db:"has_attachment"`
	IsReply       bool      `db:"is_reply"`
	WordCount     int       `db:"word_count"` // computed at insert
	CreatedAt     time.Time `db:"created_at"`
}

// MentionIDs decodes the mentioned user ids.
func (m *Message) MentionIDs() []string {
	if m.Mentions == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.Mentions), &ids); err != nil {
		return nil
	}
	return ids
}

// EncodeMentions encodes mentioned user ids for storage.
func EncodeMentions(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ChannelCursor is the persisted pagination position for one channel. It is
// the only mutable ingestion state: a crash mid-run resumes from here without
// refetching or duplicating pages.
type ChannelCursor struct {
	ChannelID string    `db:"channel_id"`
	GuildID   string    `db:"guild_id"`
	BeforeID  string    `db:"before_id"`
	Direction string    `db:"direction"`
	Exhausted bool      `db:"exhausted"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Run identifies one analysis run for one subject. The chunk limits in
// force at creation are persisted with the run: chunk indices only denote
// stable message ranges under the partition they were recorded against, so
// a resume must reuse them even if the configuration has since changed.
type Run struct {
	RunID         string    `db:"run_id"`
	GuildID       string    `db:"guild_id"`
	SubjectID     string    `db:"subject_id"`
	Status        string    `db:"status"`
	ChunkMaxCost  int       `db:"chunk_max_cost"`
	ChunkMaxCount int       `db:"chunk_max_count"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// ProfileStateRow is one immutable profile state in a run's forward-only
// chain. ParentID links to the previous iteration's state.
type ProfileStateRow struct {
	StateID   string         `db:"state_id"`
	RunID     string         `db:"run_id"`
	ParentID  sql.NullString `db:"parent_id"`
	Iteration int            `db:"iteration"`
	Traits    string         `db:"traits"` // JSON trait map
	Summary   string         `db:"summary"`
	CreatedAt time.Time      `db:"created_at"`
}

// IterationRecord is one append-only audit entry per analyze-then-merge
// cycle.
type IterationRecord struct {
	ID             int64     `db:"id"`
	RunID          string    `db:"run_id"`
	ChunkIndex     int       `db:"chunk_index"`
	RequestSummary string    `db:"request_summary"`
	ResponseRaw    string    `db:"response_raw"`
	Status         string    `db:"status"`
	StateID        string    `db:"state_id"`
	Retries        int       `db:"retries"`
	CreatedAt      time.Time `db:"created_at"`
}

// ReportRow is the terminal artifact of a run.
type ReportRow struct {
	RunID     string    `db:"run_id"`
	GuildID   string    `db:"guild_id"`
	SubjectID string    `db:"subject_id"`
	Report    string    `db:"report"` // JSON report document
	CreatedAt time.Time `db:"created_at"`
}

// UserSummary aggregates one user's stored history, mirroring the per-user
// extraction stats the ingest command prints.
type UserSummary struct {
	UserID       string    `db:"user_id"`
	Username     string    `db:"username"`
	MessageCount int       `db:"message_count"`
	TotalChars   int       `db:"total_chars"`
	TotalWords   int       `db:"total_words"`
	MentionCount int       `db:"mention_count"`
	ChannelsUsed int       `db:"channels_used"`
	Attachments  int       `db:"attachments"`
	FirstSeen    time.Time `db:"first_seen"`
	LastSeen     time.Time `db:"last_seen"`
}
