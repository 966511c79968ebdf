package eventlog

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"vaultlend/core/events"
	"vaultlend/crypto"
)

func TestBrokerDeliversMatchingEvents(t *testing.T) {
	alice := crypto.DeriveAddress([]byte("alice"))
	bob := crypto.DeriveAddress([]byte("bob"))
	broker := NewBroker(func() uint64 { return 12 })

	mine, cancelMine := broker.Subscribe(Filter{Account: alice.String()})
	defer cancelMine()
	all, cancelAll := broker.Subscribe(Filter{})
	defer cancelAll()

	broker.Emit(events.Borrowed{Market: 1, Account: bob, Amount: big.NewInt(5)})
	broker.Emit(events.Borrowed{Market: 1, Account: alice, Amount: big.NewInt(9)})

	msg := <-mine
	require.Equal(t, uint64(12), msg.Height)
	require.Equal(t, events.TypeLendingBorrowed, msg.Type)
	require.Equal(t, "1", msg.Market)
	require.Equal(t, alice.String(), msg.Account)
	require.Equal(t, "9", msg.Attributes["amount"])
	require.Len(t, mine, 0)
	require.Len(t, all, 2)
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	broker := NewBroker(nil)
	ch, cancel := broker.Subscribe(Filter{})
	for i := 0; i <= subscriberBuffer; i++ {
		broker.Emit(events.LiquidationInitiated{Market: 1})
	}
	require.Equal(t, 0, broker.Subscribers())
	drained := 0
	for range ch {
		drained++
	}
	require.Equal(t, subscriberBuffer, drained)
	cancel()
}

func TestCancelClosesSubscription(t *testing.T) {
	broker := NewBroker(nil)
	ch, cancel := broker.Subscribe(Filter{})
	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)
	broker.Emit(events.LiquidationInitiated{Market: 1})
}

func TestQueryFromHeightAndMessageFromRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	alice := crypto.DeriveAddress([]byte("alice"))
	for height := uint64(1); height <= 4; height++ {
		require.NoError(t, store.Append(ctx, height, events.Borrowed{Market: 2, Account: alice, Amount: big.NewInt(int64(height))}))
	}

	recent, err := store.Query(ctx, Filter{FromHeight: 3})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	msg := MessageFromRecord(recent[0])
	require.Equal(t, uint64(4), msg.Height)
	require.Equal(t, "2", msg.Market)
	require.Equal(t, alice.String(), msg.Account)
	require.Equal(t, "4", msg.Attributes["amount"])
	require.True(t, Filter{Market: "2"}.Matches(msg))
	require.False(t, Filter{Type: events.TypeLendingBorrowRepaid}.Matches(msg))
}
