package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := NewDB(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, zap.NewNop())
}

func msg(id, channelID, userID string, ts time.Time) *Message {
	return &Message{
		ID:        id,
		GuildID:   "guild-1",
		ChannelID: channelID,
		UserID:    userID,
		Username:  "user-" + userID,
		Content:   "message " + id,
		Timestamp: ts,
		Mentions:  "[]",
	}
}

func TestSavePage_DeduplicatesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cursor := &ChannelCursor{ChannelID: "chan-1", GuildID: "guild-1", BeforeID: "100", Direction: "backward"}
	page := []*Message{
		msg("101", "chan-1", "u1", base),
		msg("102", "chan-1", "u1", base.Add(time.Minute)),
	}

	inserted, err := s.SavePage(ctx, page, cursor)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Re-saving the same page after a crash must not duplicate.
	inserted, err = s.SavePage(ctx, page, cursor)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	log, err := s.GetUserLog(ctx, "guild-1", "u1")
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestSavePage_PersistsCursorAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.SavePage(ctx,
		[]*Message{msg("201", "chan-2", "u1", base)},
		&ChannelCursor{ChannelID: "chan-2", GuildID: "guild-1", BeforeID: "201", Direction: "backward"})
	require.NoError(t, err)

	cursor, err := s.GetCursor(ctx, "chan-2")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "201", cursor.BeforeID)
	assert.False(t, cursor.Exhausted)

	// Advancing the cursor updates in place.
	_, err = s.SavePage(ctx,
		[]*Message{msg("200", "chan-2", "u1", base.Add(-time.Minute))},
		&ChannelCursor{ChannelID: "chan-2", GuildID: "guild-1", BeforeID: "200", Direction: "backward", Exhausted: true})
	require.NoError(t, err)

	cursor, err = s.GetCursor(ctx, "chan-2")
	require.NoError(t, err)
	assert.Equal(t, "200", cursor.BeforeID)
	assert.True(t, cursor.Exhausted)
}

func TestGetCursor_MissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	cursor, err := s.GetCursor(context.Background(), "never-fetched")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestGetUserLog_OrderedByTimestampAcrossChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Channel A finishes first but holds the later messages.
	_, err := s.SavePage(ctx, []*Message{
		msg("310", "chan-a", "u1", base.Add(3*time.Minute)),
		msg("311", "chan-a", "u1", base.Add(5*time.Minute)),
	}, &ChannelCursor{ChannelID: "chan-a", GuildID: "guild-1", BeforeID: "310"})
	require.NoError(t, err)

	_, err = s.SavePage(ctx, []*Message{
		msg("301", "chan-b", "u1", base),
		msg("302", "chan-b", "u1", base.Add(4*time.Minute)),
	}, &ChannelCursor{ChannelID: "chan-b", GuildID: "guild-1", BeforeID: "301"})
	require.NoError(t, err)

	log, err := s.GetUserLog(ctx, "guild-1", "u1")
	require.NoError(t, err)
	require.Len(t, log, 4)
	for i := 1; i < len(log); i++ {
		assert.False(t, log[i].Timestamp.Before(log[i-1].Timestamp),
			"log must be non-decreasing by timestamp")
	}
	assert.Equal(t, []string{"301", "310", "302", "311"},
		[]string{log[0].ID, log[1].ID, log[2].ID, log[3].ID})
}

func TestRunStateAndRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{RunID: "run-1", GuildID: "guild-1", SubjectID: "u1", Status: RunStatusRunning}
	require.NoError(t, s.CreateRun(ctx, run))

	latest, err := s.LatestRun(ctx, "guild-1", "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, RunStatusRunning, latest.Status)

	idx, err := s.LastCompletedChunk(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	require.NoError(t, s.SaveProfileState(ctx, &ProfileStateRow{
		StateID: "st-0", RunID: "run-1", Iteration: 0, Traits: "{}",
	}))
	require.NoError(t, s.AppendIterationRecord(ctx, &IterationRecord{
		RunID: "run-1", ChunkIndex: 0, Status: IterationStatusOK, StateID: "st-0",
	}))
	require.NoError(t, s.AppendIterationRecord(ctx, &IterationRecord{
		RunID: "run-1", ChunkIndex: 1, Status: IterationStatusDegraded, StateID: "st-1", Retries: 2,
	}))

	idx, err = s.LastCompletedChunk(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	recs, err := s.GetIterationRecords(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, IterationStatusDegraded, recs[1].Status)

	state, err := s.LatestProfileState(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "st-0", state.StateID)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", RunStatusDone))
	latest, err = s.LatestRun(ctx, "guild-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, latest.Status)
}

func TestListUserSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := msg("401", "chan-a", "u1", base)
	first.Mentions = EncodeMentions([]string{"u2", "u3"})
	_, err := s.SavePage(ctx, []*Message{
		first,
		msg("402", "chan-b", "u1", base.Add(time.Hour)),
		msg("403", "chan-a", "u2", base.Add(2*time.Hour)),
	}, &ChannelCursor{ChannelID: "chan-a", GuildID: "guild-1", BeforeID: "401"})
	require.NoError(t, err)

	summaries, err := s.ListUserSummaries(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "u1", summaries[0].UserID)
	assert.Equal(t, 2, summaries[0].MessageCount)
	assert.Equal(t, 2, summaries[0].ChannelsUsed)

	// Word counts are computed at insert time; mention counts come from the
	// stored mention lists.
	assert.Equal(t, 4, summaries[0].TotalWords, `each "message NNN" body is two words`)
	assert.Equal(t, 2, summaries[0].MentionCount)
	assert.Equal(t, 2, summaries[1].TotalWords)
	assert.Equal(t, 0, summaries[1].MentionCount)
}
