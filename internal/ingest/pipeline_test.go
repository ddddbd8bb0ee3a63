package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"

	"github.com/pentestfunctions/psychoshit/internal/ratelimit"
	"github.com/pentestfunctions/psychoshit/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFetcher serves canned per-channel histories with backward pagination
// semantics and per-call error injection.
type fakeFetcher struct {
	mu       sync.Mutex
	channels []Channel
	history  map[string][]*store.Message // oldest -> newest
	errAt    map[string]map[int]error    // channel -> call index -> error
	calls    map[string]int
	guildErr error
}

func newFakeFetcher(channels ...Channel) *fakeFetcher {
	return &fakeFetcher{
		channels: channels,
		history:  make(map[string][]*store.Message),
		errAt:    make(map[string]map[int]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeFetcher) failCall(channelID string, call int, err error) {
	if f.errAt[channelID] == nil {
		f.errAt[channelID] = make(map[int]error)
	}
	f.errAt[channelID][call] = err
}

func (f *fakeFetcher) GuildChannels(_ context.Context, _ string) ([]Channel, error) {
	if f.guildErr != nil {
		return nil, f.guildErr
	}
	return f.channels, nil
}

func (f *fakeFetcher) ChannelMessages(_ context.Context, _, channelID string, limit int, beforeID string) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := f.calls[channelID]
	f.calls[channelID]++
	if err := f.errAt[channelID][call]; err != nil {
		return nil, err
	}

	hist := f.history[channelID]
	end := len(hist)
	if beforeID != "" {
		end = 0
		for i, m := range hist {
			if m.ID == beforeID {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	// Newest first, as the remote API returns pages.
	page := make([]*store.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		cp := *hist[i]
		page = append(page, &cp)
	}
	return page, nil
}

var msgSeq int

func addMessages(f *fakeFetcher, channelID, userID string, times ...time.Time) {
	for _, ts := range times {
		msgSeq++
		f.history[channelID] = append(f.history[channelID], &store.Message{
			ID:        fmt.Sprintf("%010d", msgSeq),
			GuildID:   "guild-1",
			ChannelID: channelID,
			UserID:    userID,
			Username:  "user-" + userID,
			Content:   fmt.Sprintf("msg %d", msgSeq),
			Timestamp: ts,
			Mentions:  "[]",
		})
	}
}

func newTestPipeline(t *testing.T, f Fetcher, opts Options) (*Pipeline, store.Store) {
	t.Helper()
	db, err := store.NewDB(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewStore(db, zap.NewNop())

	limiter := ratelimit.New(10000, 10000, zap.NewNop())
	if opts.RetryAfterPadding == 0 {
		opts.RetryAfterPadding = time.Millisecond
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
	}
	return New(f, st, limiter, opts, zap.NewNop()), st
}

func times(base time.Time, offsets ...int) []time.Time {
	out := make([]time.Time, len(offsets))
	for i, o := range offsets {
		out[i] = base.Add(time.Duration(o) * time.Minute)
	}
	return out
}

func TestRun_ConcurrentChannelsInterleaveByTimestamp(t *testing.T) {
	base := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	f := newFakeFetcher(Channel{ID: "chan-a", Name: "a"}, Channel{ID: "chan-b", Name: "b"})
	addMessages(f, "chan-a", "u1", times(base, 1, 4, 7)...)
	addMessages(f, "chan-b", "u1", times(base, 0, 3, 5, 9)...)

	p, st := newTestPipeline(t, f, Options{PageSize: 2, Concurrency: 2})
	result, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err)
	assert.Len(t, result.Channels, 2)

	log, err := st.GetUserLog(context.Background(), "guild-1", "u1")
	require.NoError(t, err)
	require.Len(t, log, 7)
	for i := 1; i < len(log); i++ {
		assert.False(t, log[i].Timestamp.Before(log[i-1].Timestamp),
			"log must interleave strictly ascending regardless of fetch completion order")
	}
}

func TestRun_ResumesFromCheckpointWithoutLossOrDuplication(t *testing.T) {
	base := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)

	f := newFakeFetcher(Channel{ID: "chan-r", Name: "r"})
	addMessages(f, "chan-r", "u1", times(base, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)...)
	// Second page attempt dies mid-run.
	f.failCall("chan-r", 1, apperrors.NewFatal("simulated crash", nil))

	p, st := newTestPipeline(t, f, Options{PageSize: 3})
	_, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.Error(t, err, "the injected failure must abort the first run")

	partial, err := st.GetUserLog(context.Background(), "guild-1", "u1")
	require.NoError(t, err)
	assert.Len(t, partial, 3, "the checkpointed first page must survive the crash")

	// Resume against the same store with the same remote history.
	f2 := newFakeFetcher(Channel{ID: "chan-r", Name: "r"})
	f2.history = f.history
	p2 := New(f2, st, ratelimit.New(10000, 10000, zap.NewNop()),
		Options{PageSize: 3, BaseBackoff: time.Millisecond, RetryAfterPadding: time.Millisecond}, zap.NewNop())
	_, err = p2.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err)

	final, err := st.GetUserLog(context.Background(), "guild-1", "u1")
	require.NoError(t, err)
	require.Len(t, final, 10, "resumed run must close the gap without duplicates")
	seen := make(map[string]bool)
	for _, m := range final {
		assert.False(t, seen[m.ID], "duplicate message %s", m.ID)
		seen[m.ID] = true
	}
}

func TestRun_AlreadyExhaustedChannelSkipped(t *testing.T) {
	base := time.Date(2024, 4, 3, 8, 0, 0, 0, time.UTC)
	f := newFakeFetcher(Channel{ID: "chan-x", Name: "x"})
	addMessages(f, "chan-x", "u1", times(base, 0, 1)...)

	p, _ := newTestPipeline(t, f, Options{PageSize: 100})
	_, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err)

	result, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err)
	require.Len(t, result.Channels, 1)
	assert.True(t, result.Channels[0].Skipped)
	assert.Equal(t, 0, result.Channels[0].Fetched, "an exhausted channel must not be refetched")
}

func TestRun_PermissionDeniedChannelSkippedOthersContinue(t *testing.T) {
	base := time.Date(2024, 4, 4, 8, 0, 0, 0, time.UTC)
	f := newFakeFetcher(Channel{ID: "chan-ok", Name: "ok"}, Channel{ID: "chan-denied", Name: "denied"})
	addMessages(f, "chan-ok", "u1", times(base, 0, 1, 2)...)
	f.failCall("chan-denied", 0, apperrors.NewPermission("chan-denied", nil))

	p, st := newTestPipeline(t, f, Options{PageSize: 100, Concurrency: 2})
	result, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err, "one channel's permission failure must not abort the run")

	skipped := 0
	for _, ch := range result.Channels {
		if ch.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)

	log, err := st.GetUserLog(context.Background(), "guild-1", "u1")
	require.NoError(t, err)
	assert.Len(t, log, 3)
}

func TestRun_AuthFailureAbortsRun(t *testing.T) {
	f := newFakeFetcher(Channel{ID: "chan-a", Name: "a"})
	f.guildErr = apperrors.NewAuth("invalid token", nil)

	p, _ := newTestPipeline(t, f, Options{})
	_, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeAuth), "got %v", err)
}

func TestRun_TransientFailuresRetriedThenChannelSkipped(t *testing.T) {
	base := time.Date(2024, 4, 5, 8, 0, 0, 0, time.UTC)
	f := newFakeFetcher(Channel{ID: "chan-flaky", Name: "flaky"})
	addMessages(f, "chan-flaky", "u1", times(base, 0, 1)...)
	for i := 0; i < 3; i++ {
		f.failCall("chan-flaky", i, apperrors.NewTransient("fetch", i, nil))
	}

	// Ceiling of 2: the channel is recorded as skipped, run succeeds.
	p, _ := newTestPipeline(t, f, Options{PageSize: 100, MaxFetchAttempts: 2})
	result, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err)
	require.Len(t, result.Channels, 1)
	assert.True(t, result.Channels[0].Skipped)
	assert.Contains(t, result.Channels[0].Reason, "2 attempts")
}

func TestRun_ThrottleHonoredThenRecovered(t *testing.T) {
	base := time.Date(2024, 4, 6, 8, 0, 0, 0, time.UTC)
	f := newFakeFetcher(Channel{ID: "chan-t", Name: "t"})
	addMessages(f, "chan-t", "u1", times(base, 0, 1, 2)...)
	f.failCall("chan-t", 0, apperrors.NewThrottled("chan-t", 5*time.Millisecond, nil))

	p, st := newTestPipeline(t, f, Options{PageSize: 100, MaxFetchAttempts: 1})
	_, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err, "throttling must not count against the attempt ceiling")

	log, err := st.GetUserLog(context.Background(), "guild-1", "u1")
	require.NoError(t, err)
	assert.Len(t, log, 3)
}

func TestRun_BotAndEmptyMessagesFiltered(t *testing.T) {
	base := time.Date(2024, 4, 7, 8, 0, 0, 0, time.UTC)
	f := newFakeFetcher(Channel{ID: "chan-f", Name: "f"})
	addMessages(f, "chan-f", "u1", times(base, 0)...)

	msgSeq++
	f.history["chan-f"] = append(f.history["chan-f"], &store.Message{
		ID: fmt.Sprintf("%010d", msgSeq), GuildID: "guild-1", ChannelID: "chan-f",
		UserID: "", Content: "bot chatter", Timestamp: base.Add(time.Minute), Mentions: "[]",
	})
	msgSeq++
	f.history["chan-f"] = append(f.history["chan-f"], &store.Message{
		ID: fmt.Sprintf("%010d", msgSeq), GuildID: "guild-1", ChannelID: "chan-f",
		UserID: "u1", Content: "", Timestamp: base.Add(2 * time.Minute), Mentions: "[]",
	})

	p, st := newTestPipeline(t, f, Options{PageSize: 100})
	result, err := p.Run(context.Background(), Scope{GuildID: "guild-1"})
	require.NoError(t, err)
	require.Len(t, result.Channels, 1)
	assert.Equal(t, 3, result.Channels[0].Fetched)
	assert.Equal(t, 1, result.Channels[0].Stored)

	log, err := st.GetUserLog(context.Background(), "guild-1", "u1")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestRun_PerChannelLimit(t *testing.T) {
	base := time.Date(2024, 4, 8, 8, 0, 0, 0, time.UTC)
	f := newFakeFetcher(Channel{ID: "chan-l", Name: "l"})
	addMessages(f, "chan-l", "u1", times(base, 0, 1, 2, 3, 4, 5, 6, 7)...)

	p, st := newTestPipeline(t, f, Options{PageSize: 3})
	_, err := p.Run(context.Background(), Scope{GuildID: "guild-1", PerChannelLimit: 5})
	require.NoError(t, err)

	log, err := st.GetUserLog(context.Background(), "guild-1", "u1")
	require.NoError(t, err)
	assert.Len(t, log, 5)
}
