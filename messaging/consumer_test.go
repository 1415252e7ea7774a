package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmq/conduit-go/contracts"
)

func newTestConsumer(t *testing.T, conn *fakeConn, options ...ConsumerOption) *Consumer {
	t.Helper()

	cm := newTestManager(t, conn)
	router, err := NewDeadLetterRouter(cm, testQueueSpec())
	require.NoError(t, err)

	opts := append([]ConsumerOption{WithWaitTime(5 * time.Millisecond)}, options...)
	c, err := NewConsumer(cm, testQueueSpec(), router, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(100 * time.Millisecond) })
	return c
}

func delivery(id, receipt string, attempt int) *contracts.Message {
	msg := contracts.NewMessage("orders", []byte("payload"))
	msg.ID = id
	msg.Receipt = receipt
	msg.AttemptCount = attempt
	return msg
}

func TestNewConsumer(t *testing.T) {
	t.Run("requires a connection manager", func(t *testing.T) {
		_, err := NewConsumer(nil, testQueueSpec(), nil)
		assert.Error(t, err)
	})

	t.Run("rejects an invalid spec", func(t *testing.T) {
		cm := newTestManager(t, newFakeConn())
		_, err := NewConsumer(cm, contracts.QueueSpec{}, nil)
		assert.Error(t, err)
	})

	t.Run("clamps degenerate options", func(t *testing.T) {
		cm := newTestManager(t, newFakeConn())
		c, err := NewConsumer(cm, testQueueSpec(), nil, WithConcurrency(0), WithPrefetchFactor(0))
		require.NoError(t, err)
		assert.Equal(t, 1, c.concurrency)
		assert.Equal(t, 1, c.prefetchFactor)
	})
}

func TestConsumerProcessing(t *testing.T) {
	t.Run("acks on handler success", func(t *testing.T) {
		conn := newFakeConn()
		c := newTestConsumer(t, conn)

		var mu sync.Mutex
		var handled []string
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			mu.Lock()
			handled = append(handled, msg.ID)
			mu.Unlock()
			return nil
		})

		conn.push(delivery("m1", "r1", 1))
		require.NoError(t, c.Start(context.Background(), handler))

		waitFor(t, time.Second, func() bool {
			return len(conn.ackedReceipts()) == 1
		}, "message should be acked")

		mu.Lock()
		assert.Equal(t, []string{"m1"}, handled)
		mu.Unlock()
		assert.Empty(t, conn.nackedReceipts())
	})

	t.Run("transient handler failure defers to the retry budget", func(t *testing.T) {
		conn := newFakeConn()
		c := newTestConsumer(t, conn)

		conn.push(delivery("m1", "r1", 1))
		require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error {
				return errors.New("flaky downstream")
			})))

		waitFor(t, time.Second, func() bool {
			return len(conn.nackedReceipts()) == 1
		}, "message should be nacked for redelivery")
		assert.Empty(t, conn.sentTo("orders.dlq"))
	})

	t.Run("permanent handler failure dead-letters immediately", func(t *testing.T) {
		conn := newFakeConn()
		c := newTestConsumer(t, conn)

		conn.push(delivery("m1", "r1", 1))
		require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error {
				return &contracts.PermanentError{Op: "handle", Reason: "malformed payload"}
			})))

		waitFor(t, time.Second, func() bool {
			return len(conn.sentTo("orders.dlq")) == 1
		}, "message should be dead-lettered")
		assert.Empty(t, conn.nackedReceipts(), "no retry budget is spent on permanent failures")
	})

	t.Run("exhausted budget routes to the dead letter destination", func(t *testing.T) {
		conn := newFakeConn()
		c := newTestConsumer(t, conn)

		// Third delivery of a MaxAttempts=3 queue.
		conn.push(delivery("m1", "r3", 3))
		require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error {
				return errors.New("still broken")
			})))

		waitFor(t, time.Second, func() bool {
			return len(conn.sentTo("orders.dlq")) == 1
		}, "message should be dead-lettered")

		dead := conn.sentTo("orders.dlq")[0]
		assert.Equal(t, 4, dead.AttemptCount)
		assert.Equal(t, "4", dead.Attribute(contracts.AttrFinalAttempts))
	})
}

func TestConsumerGroupOrdering(t *testing.T) {
	conn := newFakeConn()
	c := newTestConsumer(t, conn, WithConcurrency(4))

	var mu sync.Mutex
	var order []string
	handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
		time.Sleep(5 * time.Millisecond) // widen the race window
		mu.Lock()
		order = append(order, msg.ID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"g1", "g2", "g3", "g4"} {
		msg := delivery(id, "r-"+id, 1)
		msg.GroupKey = "customer-7"
		conn.push(msg)
	}
	require.NoError(t, c.Start(context.Background(), handler))

	waitFor(t, time.Second, func() bool {
		return len(conn.ackedReceipts()) == 4
	}, "all grouped messages should complete")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"g1", "g2", "g3", "g4"}, order,
		"same-group messages must stay serial and ordered")
}

func TestConsumerHeartbeat(t *testing.T) {
	conn := newFakeConn()
	cm := newTestManager(t, conn)
	router, err := NewDeadLetterRouter(cm, testQueueSpec())
	require.NoError(t, err)

	spec := testQueueSpec()
	spec.VisibilityTimeout = 60 * time.Millisecond

	c, err := NewConsumer(cm, spec, router, WithWaitTime(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(200 * time.Millisecond) })

	conn.push(delivery("slow", "r-slow", 1))
	require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
		func(ctx context.Context, msg *contracts.Message) error {
			time.Sleep(100 * time.Millisecond) // outlives the visibility timeout
			return nil
		})))

	waitFor(t, time.Second, func() bool {
		return len(conn.ackedReceipts()) == 1
	}, "slow handler should finish and ack")

	assert.GreaterOrEqual(t, conn.extendCount("r-slow"), 2,
		"heartbeat must extend visibility while the handler runs")
}

func TestConsumerPauseResume(t *testing.T) {
	conn := newFakeConn()
	c := newTestConsumer(t, conn)

	var mu sync.Mutex
	processed := 0
	handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
		mu.Lock()
		processed++
		mu.Unlock()
		return nil
	})

	require.NoError(t, c.Start(context.Background(), handler))
	require.NoError(t, c.Pause())
	assert.Equal(t, SessionPaused, c.Session().State)

	conn.push(delivery("m1", "r1", 1))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, processed, "paused consumer must not poll")
	mu.Unlock()

	require.NoError(t, c.Resume())
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 1
	}, "resumed consumer should process")

	t.Run("state machine rejects bad transitions", func(t *testing.T) {
		require.NoError(t, c.Pause())
		assert.Error(t, c.Pause())
		require.NoError(t, c.Resume())
		assert.Error(t, c.Resume())
	})
}

func TestConsumerStop(t *testing.T) {
	t.Run("waits for in-flight handlers within the grace period", func(t *testing.T) {
		conn := newFakeConn()
		c := newTestConsumer(t, conn)

		started := make(chan struct{})
		require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error {
				close(started)
				time.Sleep(40 * time.Millisecond)
				return nil
			})))
		conn.push(delivery("m1", "r1", 1))
		<-started

		require.NoError(t, c.Stop(500*time.Millisecond))

		assert.Equal(t, SessionStopped, c.Session().State)
		assert.Equal(t, []string{"r1"}, conn.ackedReceipts(), "handler finished and acked during drain")
	})

	t.Run("abandons handlers past the grace period", func(t *testing.T) {
		conn := newFakeConn()
		c := newTestConsumer(t, conn)

		started := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error {
				close(started)
				<-release
				return nil
			})))
		conn.push(delivery("m1", "r1", 1))
		<-started

		require.NoError(t, c.Stop(20*time.Millisecond))
		assert.Equal(t, SessionStopped, c.Session().State)
		close(release)
	})

	t.Run("concurrent stops disconnect exactly once", func(t *testing.T) {
		conn := newFakeConn()
		cm := newTestManager(t, conn)
		router, err := NewDeadLetterRouter(cm, testQueueSpec())
		require.NoError(t, err)
		c, err := NewConsumer(cm, testQueueSpec(), router,
			WithWaitTime(5*time.Millisecond),
			WithOwnedConnection(true),
		)
		require.NoError(t, err)
		require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error { return nil })))

		var wg sync.WaitGroup
		errs := make([]error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = c.Stop(50 * time.Millisecond)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, conn.closeCalls, "connection must close exactly once")
		assert.Equal(t, SessionStopped, c.Session().State)
		for _, err := range errs {
			assert.NoError(t, err)
		}
	})

	t.Run("stop before start is safe", func(t *testing.T) {
		c := newTestConsumer(t, newFakeConn())
		assert.NoError(t, c.Stop(time.Millisecond))
	})

	t.Run("start after stop is rejected", func(t *testing.T) {
		c := newTestConsumer(t, newFakeConn())
		require.NoError(t, c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error { return nil })))
		require.NoError(t, c.Stop(time.Millisecond))

		err := c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error { return nil }))
		assert.Error(t, err)
	})

	t.Run("start after a never-started stop is rejected", func(t *testing.T) {
		c := newTestConsumer(t, newFakeConn())
		require.NoError(t, c.Stop(time.Millisecond))

		err := c.Start(context.Background(), MessageHandlerFunc(
			func(ctx context.Context, msg *contracts.Message) error { return nil }))
		assert.Error(t, err, "a stopped consumer must not come back to life")
		assert.Equal(t, SessionStopped, c.Session().State)
	})
}

func TestConsumerSession(t *testing.T) {
	c := newTestConsumer(t, newFakeConn(), WithConsumerGroupID("billing"))

	session := c.Session()
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "billing", session.GroupID)
	assert.Equal(t, SessionStopped, session.State)
	assert.Zero(t, session.InFlight)
}

func TestWorkerPinning(t *testing.T) {
	c := newTestConsumer(t, newFakeConn(), WithConcurrency(4))

	msg := delivery("m", "r", 1)
	msg.GroupKey = "customer-7"

	first := c.workerFor(msg)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, c.workerFor(msg), "grouped messages must pin to one worker")
	}

	ungrouped := delivery("m2", "r2", 1)
	seen := map[int]bool{}
	for i := 0; i < 16; i++ {
		seen[c.workerFor(ungrouped)] = true
	}
	assert.Greater(t, len(seen), 1, "ungrouped messages must spread across workers")
}
