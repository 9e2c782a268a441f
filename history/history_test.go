package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caffeineduck/pyedit/capture"
	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/interp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveRun(t *testing.T, s *Store, id, session string, at time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:        id,
		SessionID: session,
		Source:    "print(" + id + ")",
		Outcome:   OutcomeOK,
		CreatedAt: at,
		Events: []coordinator.Event{
			{Seq: 1, RunID: id, Kind: coordinator.KindSystem, Text: "running", Time: at},
			{Seq: 2, RunID: id, Kind: coordinator.KindStdout, Text: id, Time: at},
		},
		Duration: 15 * time.Millisecond,
	}
	require.NoError(t, s.Save(context.Background(), run))
	return run
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	saveRun(t, s, "r1", "sess", at)

	got, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)

	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "sess", got.SessionID)
	assert.Equal(t, "print(r1)", got.Source)
	assert.Equal(t, OutcomeOK, got.Outcome)
	assert.Equal(t, 15*time.Millisecond, got.Duration)
	assert.True(t, got.CreatedAt.Equal(at), "created_at = %v", got.CreatedAt)

	require.Len(t, got.Events, 2)
	assert.Equal(t, coordinator.KindStdout, got.Events[1].Kind)
	assert.Equal(t, "r1", got.Events[1].Text)
	assert.Equal(t, uint64(2), got.Events[1].Seq)
}

func TestEventsKeepConfiguredLayout(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)

	c := coordinator.New(func(context.Context) (coordinator.Handle, error) { return layoutHandle{}, nil },
		coordinator.SinkFunc(func(coordinator.Event) {}),
		coordinator.WithClock(func() time.Time { return at }),
		coordinator.WithTimeLayout("15:04:05"),
	)
	c.Initialize(context.Background())
	<-c.Loaded()
	res := c.Run(context.Background(), "x = 1")
	events := res.Events
	require.Equal(t, "[14:30:00] running", events[0].String())

	require.NoError(t, s.Save(context.Background(), FromResult("sess", "x = 1", res)))
	got, err := s.Get(context.Background(), res.RunID)
	require.NoError(t, err)

	require.Len(t, got.Events, len(events))
	assert.Equal(t, "[14:30:00] running", got.Events[0].String())
	assert.Equal(t, "14:30:00", got.Events[len(events)-1].Timestamp())
}

type layoutHandle struct{}

func (layoutHandle) Evaluate(context.Context, string) (any, error) { return nil, nil }
func (layoutHandle) IsLoaded() bool                                { return true }
func (layoutHandle) LoadModule(context.Context, string) error      { return nil }
func (layoutHandle) Streams() *capture.Streams                     { return nil }
func (layoutHandle) Close() error                                  { return nil }

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveDuplicate(t *testing.T) {
	s := newTestStore(t)
	at := time.Now().UTC()
	saveRun(t, s, "dup", "", at)

	err := s.Save(context.Background(), &Run{ID: "dup", Outcome: OutcomeOK})
	assert.Error(t, err)
}

func TestSaveSetsCreatedAt(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	run := &Run{ID: "x", Source: "1", Outcome: OutcomeOK}
	require.NoError(t, s.Save(context.Background(), run))
	assert.Equal(t, fixed, run.CreatedAt)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	saveRun(t, s, "a", "s1", base)
	saveRun(t, s, "b", "s2", base.Add(time.Minute))
	saveRun(t, s, "c", "s1", base.Add(2*time.Minute))

	all, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	s1, err := s.List(context.Background(), Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(s1))

	limited, err := s.List(context.Background(), Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(limited))

	none, err := s.List(context.Background(), Filter{SessionID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	saveRun(t, s, "old", "", base)
	saveRun(t, s, "new", "", base.Add(time.Hour))

	n, err := s.Prune(context.Background(), base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(context.Background(), "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(context.Background(), "new")
	assert.NoError(t, err)
}

func TestFromResult(t *testing.T) {
	tests := []struct {
		name        string
		res         coordinator.Result
		wantOutcome string
		wantError   string
	}{
		{
			name:        "ok",
			res:         coordinator.Result{RunID: "1"},
			wantOutcome: OutcomeOK,
		},
		{
			name:        "rejected",
			res:         coordinator.Result{RunID: "2", Error: coordinator.ErrBusy},
			wantOutcome: OutcomeRejected,
			wantError:   "already running",
		},
		{
			name:        "evaluation error",
			res:         coordinator.Result{RunID: "3", Error: &interp.EvalError{Trace: "Traceback (most recent call last):\nNameError"}},
			wantOutcome: OutcomeError,
			wantError:   "Traceback (most recent call last):\nNameError",
		},
		{
			name:        "host error",
			res:         coordinator.Result{RunID: "4", Error: errors.New("interpreter exited")},
			wantOutcome: OutcomeError,
			wantError:   "Error: interpreter exited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := FromResult("sess", "code", tt.res)
			assert.Equal(t, tt.res.RunID, run.ID)
			assert.Equal(t, "sess", run.SessionID)
			assert.Equal(t, "code", run.Source)
			assert.Equal(t, tt.wantOutcome, run.Outcome)
			assert.Equal(t, tt.wantError, run.Error)
		})
	}
}

func ids(runs []Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
