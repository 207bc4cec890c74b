package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]Event, 0, n)
	for len(out) < n {
		ev, ok := sub.Next(ctx)
		require.True(t, ok, "stream ended after %d of %d events", len(out), n)
		out = append(out, ev)
	}
	return out
}

func TestSubscribe_ReplaysBacklogThenLive(t *testing.T) {
	b := New(0)
	b.Push("s1", Event{"type": "a"})
	b.Push("s1", Event{"type": "b"})

	sub := b.Subscribe("s1")
	defer sub.Close()

	b.Push("s1", Event{"type": "c"})

	got := collect(t, sub, 3)
	assert.Equal(t, "a", got[0].Type())
	assert.Equal(t, "b", got[1].Type())
	assert.Equal(t, "c", got[2].Type())
}

func TestPush_OverflowDropsOldestAndMarks(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Push("s1", Event{"type": fmt.Sprintf("e%d", i)})
	}

	sub := b.Subscribe("s1")
	defer sub.Close()

	got := collect(t, sub, 4)
	assert.Equal(t, EventOverflow, got[0].Type(), "dropped prefix must surface as an overflow marker")
	assert.Equal(t, "e3", got[1].Type())
	assert.Equal(t, "e4", got[2].Type())
	assert.Equal(t, "e5", got[3].Type())
	assert.Equal(t, int64(2), b.Dropped())
}

func TestSubscription_OverflowOnSlowConsumer(t *testing.T) {
	b := New(3)
	sub := b.Subscribe("s1")
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		b.Push("s1", Event{"type": fmt.Sprintf("e%d", i)})
	}

	got := collect(t, sub, 4)
	assert.Equal(t, EventOverflow, got[0].Type())
	assert.Equal(t, "e3", got[1].Type())
	assert.Equal(t, "e5", got[3].Type())
}

func TestCloseSession_DrainsPendingThenEnds(t *testing.T) {
	b := New(0)
	sub := b.Subscribe("s1")
	b.Push("s1", Event{"type": "a"})
	b.Push("s1", Event{"type": "b"})

	b.CloseSession("s1")

	got := collect(t, sub, 2)
	assert.Equal(t, "a", got[0].Type())
	assert.Equal(t, "b", got[1].Type())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok, "stream must end after close")
	assert.Equal(t, 0, b.Sessions())
}

func TestNext_BlocksUntilPush(t *testing.T) {
	b := New(0)
	sub := b.Subscribe("s1")
	defer sub.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Push("s1", Event{"type": "late"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "late", ev.Type())
}

func TestNext_ContextCancelUnblocks(t *testing.T) {
	b := New(0)
	sub := b.Subscribe("s1")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}

func TestClose_DetachesSubscriber(t *testing.T) {
	b := New(0)
	sub := b.Subscribe("s1")
	sub.Close()

	b.Push("s1", Event{"type": "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}

func TestQueueDepth(t *testing.T) {
	b := New(0)
	b.Push("s1", Event{"type": "a"})
	b.Push("s1", Event{"type": "b"})
	b.Push("s2", Event{"type": "c"})

	assert.Equal(t, 3, b.QueueDepth())
	assert.Equal(t, 2, b.Sessions())

	b.Shutdown()
	assert.Equal(t, 0, b.QueueDepth())
	assert.Equal(t, 0, b.Sessions())
}

func TestPush_ConcurrentPublishers(t *testing.T) {
	b := New(DefaultQueueSize)
	sub := b.Subscribe("s1")
	defer sub.Close()

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b.Push("s1", Event{"type": "tick"})
			}
		}()
	}
	wg.Wait()

	got := collect(t, sub, workers*perWorker)
	for _, ev := range got {
		assert.Equal(t, "tick", ev.Type())
	}
	assert.Equal(t, int64(0), b.Dropped())
}

func TestDispatcher_InjectsPhaseID(t *testing.T) {
	b := New(0)
	d := NewDispatcher(b, "s1")
	sub := b.Subscribe("s1")
	defer sub.Close()

	d.Emit(StreamDelta("dev-1", "hello"))
	d.SetPhase("phase-qa")
	d.Emit(StreamDelta("dev-1", "world"))
	d.Emit(Event{"type": "custom", "phase_id": "explicit"})

	got := collect(t, sub, 3)
	_, hasPhase := got[0]["phase_id"]
	assert.False(t, hasPhase, "no phase set yet")
	assert.Equal(t, "phase-qa", got[1]["phase_id"])
	assert.Equal(t, "explicit", got[2]["phase_id"], "explicit phase_id wins")
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		wantType string
	}{
		{"pattern start", PatternStart("p1", "sequential"), EventPatternStart},
		{"pattern end", PatternEnd("p1", "sequential", true), EventPatternEnd},
		{"phase started", PhaseStarted("ph1", "dev"), EventPhaseStarted},
		{"phase completed", PhaseCompleted("ph1", "done"), EventPhaseCompleted},
		{"phase failed", PhaseFailed("ph1", "boom"), EventPhaseFailed},
		{"stream start", StreamStart("a1"), EventStreamStart},
		{"stream delta", StreamDelta("a1", "x"), EventStreamDelta},
		{"stream thinking", StreamThinking("a1", "x"), EventStreamThinking},
		{"stream end", StreamEnd("a1"), EventStreamEnd},
		{"message", Message("a1", "assistant", "hi"), EventMessage},
		{"agent status", AgentStatus("a1", "thinking"), EventAgentStatus},
		{"checkpoint", Checkpoint("ph1", "continue?"), EventCheckpoint},
		{"evidence gate", EvidenceGate("ph1", false, []string{"f1"}), EventEvidenceGate},
		{"reloop", Reloop("qa", "dev", 1), EventReloop},
		{"memory stored", MemoryStored("k", "decision"), EventMemoryStored},
		{"mission failed", MissionFailed("m1", "err"), EventMissionFailed},
		{"kanban refresh", KanbanRefresh("proj"), EventKanbanRefresh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.event.Type())
			ts, ok := tt.event["timestamp"].(string)
			require.True(t, ok)
			_, err := time.Parse(time.RFC3339Nano, ts)
			assert.NoError(t, err)
		})
	}
}

func TestMessage_TruncatesPreview(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	ev := Message("a1", "assistant", string(long))
	preview := ev["preview"].(string)
	assert.LessOrEqual(t, len(preview), messagePreviewLimit+3)
	assert.Contains(t, preview, "...")
}
