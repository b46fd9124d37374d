package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowatch/flowatch/internal/core/flow"
)

func TestTypedPublishSubscribe(t *testing.T) {
	bus := New(16)
	bus.Start(context.Background())
	defer bus.Stop()

	got := make(chan FlowAdvancedPayload, 1)
	bus.SubscribeFlowAdvanced(func(p FlowAdvancedPayload) { got <- p })

	bus.PublishFlowAdvanced(FlowAdvancedPayload{
		TaskID: "t1",
		From:   flow.StepOpened,
		To:     flow.StepCreated,
	})

	select {
	case p := <-got:
		assert.Equal(t, "t1", p.TaskID)
		assert.Equal(t, flow.StepCreated, p.To)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestEventsGoOnlyToTheirSubscribers(t *testing.T) {
	bus := New(16)
	bus.Start(context.Background())
	defer bus.Stop()

	ready := make(chan TaskReadyPayload, 2)
	skipped := make(chan ActionSkippedPayload, 2)
	bus.SubscribeTaskReady(func(p TaskReadyPayload) { ready <- p })
	bus.SubscribeActionSkipped(func(p ActionSkippedPayload) { skipped <- p })

	bus.PublishTaskReady(TaskReadyPayload{TaskID: "t1"})

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("task.ready never delivered")
	}
	select {
	case <-skipped:
		t.Fatal("action.skipped handler fired for a task.ready event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAllSubscribersFire(t *testing.T) {
	bus := New(16)
	bus.Start(context.Background())
	defer bus.Stop()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		bus.SubscribeHistoryUpdated(func(HistoryUpdatedPayload) { wg.Done() })
	}

	bus.PublishHistoryUpdated(HistoryUpdatedPayload{})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every subscriber fired")
	}
}

func TestFullBufferDropsWithHook(t *testing.T) {
	bus := New(1)
	// no Start: nothing drains the buffer

	var mu sync.Mutex
	var dropped []Event
	bus.OnDrop(func(e Event, _ any) {
		mu.Lock()
		dropped = append(dropped, e)
		mu.Unlock()
	})

	bus.PublishTaskReady(TaskReadyPayload{TaskID: "t1"}) // fills the buffer
	bus.PublishTaskReady(TaskReadyPayload{TaskID: "t2"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, EventTaskReady, dropped[0])
}

func TestPanickingSubscriberDoesNotKillTheLoop(t *testing.T) {
	bus := New(16)
	bus.Start(context.Background())
	defer bus.Stop()

	panicked := make(chan struct{}, 1)
	bus.OnPanic(func(Event, any, any) { panicked <- struct{}{} })

	bus.SubscribeTaskReady(func(TaskReadyPayload) { panic("boom") })

	got := make(chan TaskReadyPayload, 2)
	bus.SubscribeTaskReady(func(p TaskReadyPayload) { got <- p })

	bus.PublishTaskReady(TaskReadyPayload{TaskID: "t1"})

	select {
	case <-panicked:
	case <-time.After(2 * time.Second):
		t.Fatal("panic hook never fired")
	}
	select {
	case p := <-got:
		assert.Equal(t, "t1", p.TaskID, "later subscribers still run")
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber never fired")
	}

	// the loop survives for the next event
	bus.PublishTaskReady(TaskReadyPayload{TaskID: "t2"})
	select {
	case p := <-got:
		assert.Equal(t, "t2", p.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop died after the panic")
	}
}

func TestStopHaltsDelivery(t *testing.T) {
	bus := New(16)
	bus.Start(context.Background())

	got := make(chan TaskReadyPayload, 1)
	bus.SubscribeTaskReady(func(p TaskReadyPayload) { got <- p })

	bus.Stop()
	time.Sleep(50 * time.Millisecond)
	bus.PublishTaskReady(TaskReadyPayload{TaskID: "t1"})

	select {
	case <-got:
		t.Fatal("delivery after Stop")
	case <-time.After(200 * time.Millisecond):
	}
}
