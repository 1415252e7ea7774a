package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmq/conduit-go/contracts"
)

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	p := newTestPublisher(t, conn)

	tx := p.BeginTransaction()
	_, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("1")))
	require.NoError(t, err)
	_, err = tx.Publish(ctx, "audit", contracts.NewMessage("audit", []byte("2")))
	require.NoError(t, err)

	require.NoError(t, tx.Commit())

	assert.Len(t, conn.sentTo("orders"), 1)
	assert.Len(t, conn.sentTo("audit"), 1)
	assert.Empty(t, conn.removed)

	t.Run("committed transaction is closed", func(t *testing.T) {
		_, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", nil))
		assert.Error(t, err)
		assert.Error(t, tx.Commit())
		assert.Error(t, tx.Abort(ctx))
	})
}

func TestTransactionAbort(t *testing.T) {
	ctx := context.Background()

	t.Run("undoes every sent message when the transport can remove", func(t *testing.T) {
		conn := newFakeConn()
		p := newTestPublisher(t, conn)

		tx := p.BeginTransaction()
		id1, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("1")))
		require.NoError(t, err)
		id2, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("2")))
		require.NoError(t, err)

		require.NoError(t, tx.Abort(ctx))
		assert.ElementsMatch(t, []string{id1, id2}, conn.removed["orders"])
	})

	t.Run("abort is idempotent", func(t *testing.T) {
		p := newTestPublisher(t, newFakeConn())
		tx := p.BeginTransaction()
		_, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", nil))
		require.NoError(t, err)

		require.NoError(t, tx.Abort(ctx))
		require.NoError(t, tx.Abort(ctx))
	})

	t.Run("reports the published subset when removal is unsupported", func(t *testing.T) {
		// Hide the Remove capability behind a bare interface wrapper.
		base := newFakeConn()
		cm := newTestManager(t, struct{ Connection }{base})
		p, err := NewPublisher(cm)
		require.NoError(t, err)

		tx := p.BeginTransaction()
		id, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("1")))
		require.NoError(t, err)

		err = tx.Abort(ctx)
		var ae *AbortError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, []string{id}, ae.Remaining)
	})

	t.Run("reports the subset when removal fails midway", func(t *testing.T) {
		conn := newFakeConn()
		p := newTestPublisher(t, conn)

		tx := p.BeginTransaction()
		_, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("1")))
		require.NoError(t, err)

		conn.removeErr = errors.New("message already consumed")
		err = tx.Abort(ctx)
		var ae *AbortError
		require.ErrorAs(t, err, &ae)
		assert.Len(t, ae.Remaining, 1)
	})
}

func TestTransactionRun(t *testing.T) {
	ctx := context.Background()

	t.Run("commits when the function succeeds", func(t *testing.T) {
		conn := newFakeConn()
		p := newTestPublisher(t, conn)

		err := p.Run(ctx, func(tx *Transaction) error {
			_, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("1")))
			return err
		})
		require.NoError(t, err)
		assert.Len(t, conn.sentTo("orders"), 1)
		assert.Empty(t, conn.removed)
	})

	t.Run("aborts when the function fails", func(t *testing.T) {
		conn := newFakeConn()
		p := newTestPublisher(t, conn)
		boom := errors.New("business rule violated")

		var sentID string
		err := p.Run(ctx, func(tx *Transaction) error {
			id, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("1")))
			require.NoError(t, err)
			sentID = id
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{sentID}, conn.removed["orders"])
	})

	t.Run("aborts on panic and rethrows", func(t *testing.T) {
		conn := newFakeConn()
		p := newTestPublisher(t, conn)

		var sentID string
		assert.Panics(t, func() {
			p.Run(ctx, func(tx *Transaction) error {
				id, err := tx.Publish(ctx, "orders", contracts.NewMessage("orders", []byte("1")))
				require.NoError(t, err)
				sentID = id
				panic("handler exploded")
			})
		})
		assert.Equal(t, []string{sentID}, conn.removed["orders"])
	})
}
