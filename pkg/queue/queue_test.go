package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/engine"
	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/toolkit"
	"github.com/cowork-ai/cowork/pkg/workdir"
)

// slowStreamer answers the classifier with "no" and streams the question
// back chunk by chunk, optionally slowly.
type slowStreamer struct {
	chunkDelay time.Duration
	chunks     int

	mu        sync.Mutex
	questions []string
}

func (s *slowStreamer) StreamChat(ctx context.Context, cfg llm.ProviderConfig, messages []llm.Message) (<-chan llm.Chunk, error) {
	last := messages[len(messages)-1].Content
	out := make(chan llm.Chunk, 4)
	go func() {
		defer close(out)
		if strings.Contains(last, "task-complexity classifier") {
			out <- &llm.TextChunk{Content: "no"}
			return
		}
		s.mu.Lock()
		s.questions = append(s.questions, last)
		s.mu.Unlock()
		n := s.chunks
		if n <= 0 {
			n = 2
		}
		for i := 0; i < n; i++ {
			if s.chunkDelay > 0 {
				time.Sleep(s.chunkDelay)
			}
			out <- &llm.TextChunk{Content: "x"}
		}
		out <- &llm.UsageChunk{Usage: llm.Usage{TotalTokens: 1}}
	}()
	return out, nil
}

func (s *slowStreamer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.questions...)
}

// stubCore satisfies engine.CoreClient with fixed data.
type stubCore struct{}

func (stubCore) PreferredProvider(ctx context.Context, token string) (*llm.ProviderConfig, error) {
	return &llm.ProviderConfig{ID: "p", ProviderName: "openai", ModelType: "gpt-4o", APIKey: "k"}, nil
}
func (stubCore) CreateHistory(ctx context.Context, token string, req coreapi.HistoryRequest) (string, error) {
	return "h-1", nil
}
func (stubCore) UpdateHistory(ctx context.Context, token, id string, req coreapi.HistoryRequest) error {
	return nil
}
func (stubCore) PutTaskSummary(ctx context.Context, token, projectID, taskID, summary string) error {
	return nil
}
func (stubCore) MCPUsers(ctx context.Context, token string) ([]coreapi.MCPServerSpec, error) {
	return nil, nil
}
func (stubCore) ThreadSummary(ctx context.Context, token, projectID string) (string, error) {
	return "", nil
}
func (stubCore) TaskSummary(ctx context.Context, token, projectID string) (string, error) {
	return "", nil
}
func (stubCore) Notes(ctx context.Context, token, projectID string) ([]coreapi.Note, error) {
	return nil, nil
}

func newTestManager(t *testing.T, streamer llm.Streamer) *Manager {
	t.Helper()
	wd, err := workdir.NewManager(t.TempDir())
	require.NoError(t, err)
	eng := engine.New(engine.Options{Core: stubCore{}, LLM: streamer, Workdir: wd})
	m := NewManager(eng, nil)
	t.Cleanup(m.Shutdown)
	return m
}

func enqueue(t *testing.T, m *Manager, projectID, taskID, question string) chan events.StepEvent {
	t.Helper()
	ch := make(chan events.StepEvent, 256)
	err := m.GetOrCreate(projectID).Put(Action{Improve: &Improve{
		ProjectID: projectID, TaskID: taskID, Question: question, Events: ch,
	}})
	require.NoError(t, err)
	return ch
}

func collectTurn(t *testing.T, ch chan events.StepEvent) []events.StepEvent {
	t.Helper()
	var out []events.StepEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("turn did not finish in time")
		}
	}
}

func TestTurnsAreFIFOPerProject(t *testing.T) {
	streamer := &slowStreamer{}
	m := newTestManager(t, streamer)

	first := enqueue(t, m, "p-1", "t-1", "first question")
	second := enqueue(t, m, "p-1", "t-2", "second question")

	evs1 := collectTurn(t, first)
	evs2 := collectTurn(t, second)

	require.NotEmpty(t, evs1)
	require.NotEmpty(t, evs2)
	assert.Equal(t, events.StepConfirmed, evs1[0].Step)
	assert.Equal(t, events.StepEnd, evs1[len(evs1)-1].Step)
	assert.Equal(t, events.StepEnd, evs2[len(evs2)-1].Step)

	// The engine saw the questions in arrival order.
	assert.Equal(t, []string{"first question", "second question"}, streamer.seen())
}

func TestStopCancelsRunningTurn(t *testing.T) {
	streamer := &slowStreamer{chunkDelay: 20 * time.Millisecond, chunks: 200}
	m := newTestManager(t, streamer)

	ch := enqueue(t, m, "p-1", "t-1", "long running question")

	// Wait for the turn to start, then stop it.
	require.Eventually(t, func() bool {
		lock := m.Get("p-1")
		return lock != nil && lock.Status() == StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Get("p-1").Put(Action{Stop: &Stop{ProjectID: "p-1", Reason: "user"}}))

	evs := collectTurn(t, ch)
	var kinds []events.StepKind
	for _, ev := range evs {
		kinds = append(kinds, ev.Step)
	}
	assert.Contains(t, kinds, events.StepTurnCancelled)
	last := evs[len(evs)-1]
	assert.Equal(t, events.StepEnd, last.Step)
	assert.Equal(t, "stopped", last.Data["result"])
}

func TestDuplicateTaskIsIdempotent(t *testing.T) {
	streamer := &slowStreamer{}
	m := newTestManager(t, streamer)

	first := enqueue(t, m, "p-1", "t-1", "the question")
	retry := enqueue(t, m, "p-1", "t-1", "the question")

	evs := collectTurn(t, first)
	assert.Equal(t, events.StepEnd, evs[len(evs)-1].Step)

	// The retry's channel closes without events; the engine ran once.
	retryEvs := collectTurn(t, retry)
	assert.Empty(t, retryEvs)
	assert.Equal(t, []string{"the question"}, streamer.seen())
}

func TestLockAcceptsWorkAfterStop(t *testing.T) {
	streamer := &slowStreamer{}
	m := newTestManager(t, streamer)

	// A bare stop retires the lock.
	lock := m.GetOrCreate("p-1")
	require.NoError(t, lock.Put(Action{Stop: &Stop{ProjectID: "p-1"}}))
	require.Eventually(t, func() bool { return m.Get("p-1") == nil }, 5*time.Second, 10*time.Millisecond)

	// A fresh improve gets a fresh lock and completes.
	ch := enqueue(t, m, "p-1", "t-2", "after the stop")
	evs := collectTurn(t, ch)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.StepEnd, evs[len(evs)-1].Step)
}

func TestIdleLockIsRetired(t *testing.T) {
	m := newTestManager(t, &slowStreamer{})

	ch := enqueue(t, m, "p-1", "t-1", "quick question")
	collectTurn(t, ch)

	require.Eventually(t, func() bool { return m.Get("p-1") == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestPutOnRetiredLockFails(t *testing.T) {
	m := newTestManager(t, &slowStreamer{})
	lock := m.GetOrCreate("p-1")

	ch := enqueue(t, m, "p-1", "t-1", "quick question")
	collectTurn(t, ch)
	require.Eventually(t, func() bool { return m.Get("p-1") == nil }, 5*time.Second, 10*time.Millisecond)

	err := lock.Put(Action{Improve: &Improve{ProjectID: "p-1", TaskID: "t-2", Question: "late"}})
	assert.Error(t, err)
}

func TestApprovalRoundTrip(t *testing.T) {
	lock := newLock("p-1")

	ch := lock.BeginApproval("req-1")
	require.True(t, lock.ResolveApproval("req-1", toolkit.Decision{Approved: true, Remember: true}))

	select {
	case d := <-ch:
		assert.True(t, d.Approved)
		assert.True(t, d.Remember)
	default:
		t.Fatal("decision not delivered")
	}

	lock.EndApproval("req-1")
	assert.False(t, lock.ResolveApproval("req-1", toolkit.Decision{}))
	assert.False(t, lock.ResolveApproval("never-seen", toolkit.Decision{}))
}

func TestStopNotifyWakesPendingWaiters(t *testing.T) {
	lock := newLock("p-1")
	lock.beginTurn("t-1")

	notify := lock.StopNotify()
	select {
	case <-notify:
		t.Fatal("stop notify fired with no stop requested")
	default:
	}

	require.NoError(t, lock.Put(Action{Stop: &Stop{ProjectID: "p-1", Reason: "user"}}))
	select {
	case <-notify:
	default:
		t.Fatal("stop notify did not fire")
	}
	assert.True(t, lock.StopRequested())

	// The next turn gets a fresh channel.
	lock.beginTurn("t-2")
	select {
	case <-lock.StopNotify():
		t.Fatal("stop notify leaked into the next turn")
	default:
	}
}

func TestRememberedDecisions(t *testing.T) {
	lock := newLock("p-1")

	_, ok := lock.RememberedDecision("FileToolkit")
	assert.False(t, ok)

	lock.RememberDecision("FileToolkit", toolkit.Decision{Approved: true})
	d, ok := lock.RememberedDecision("FileToolkit")
	require.True(t, ok)
	assert.True(t, d.Approved)
}

func TestConcurrentProjectsDoNotInterfere(t *testing.T) {
	streamer := &slowStreamer{}
	m := newTestManager(t, streamer)

	a := enqueue(t, m, "p-a", "t-1", "question for a")
	b := enqueue(t, m, "p-b", "t-1", "question for b")

	evsA := collectTurn(t, a)
	evsB := collectTurn(t, b)
	assert.Equal(t, events.StepEnd, evsA[len(evsA)-1].Step)
	assert.Equal(t, events.StepEnd, evsB[len(evsB)-1].Step)
}
