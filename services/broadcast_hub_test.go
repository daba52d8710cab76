package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, conn *Connection) Event {
	t.Helper()
	select {
	case ev := <-conn.Out():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("connection %s received no event", conn.ID)
		return Event{}
	}
}

func assertNoEvent(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case ev := <-conn.Out():
		t.Fatalf("connection %s received unexpected %s event", conn.ID, ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	hub := NewBroadcastHub()
	first := hub.Register("user-a")
	second := hub.Register("")
	hub.Subscribe(first.ID, "gacha_7")
	hub.Subscribe(second.ID, "gacha_7")
	first.MarkOpen()
	second.MarkOpen()

	hub.Publish("gacha_7", "stock-update", map[string]int{"gachaId": 7})

	for _, conn := range []*Connection{first, second} {
		ev := receiveEvent(t, conn)
		assert.Equal(t, "stock-update", ev.Type)
		assert.JSONEq(t, `{"gachaId":7}`, string(ev.Data))
		assertNoEvent(t, conn)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	hub := NewBroadcastHub()
	conn := hub.Register("user-a")
	hub.Subscribe(conn.ID, "gacha_7")
	hub.Subscribe(conn.ID, "gacha_7")
	conn.MarkOpen()

	hub.Publish("gacha_7", "stock-update", map[string]int{"gachaId": 7})

	receiveEvent(t, conn)
	assertNoEvent(t, conn)
	assert.Equal(t, 1, hub.SubscriberCount("gacha_7"))
}

func TestConnectionMayJoinManyChannels(t *testing.T) {
	hub := NewBroadcastHub()
	conn := hub.Register("user-a")
	hub.Subscribe(conn.ID, "gacha_7")
	hub.Subscribe(conn.ID, AllStockChannel)
	conn.MarkOpen()

	hub.Publish("gacha_7", "stock-update", map[string]int{"gachaId": 7})
	hub.Publish(AllStockChannel, "stock-update", map[string]int{"gachaId": 8})

	assert.Equal(t, "stock-update", receiveEvent(t, conn).Type)
	assert.JSONEq(t, `{"gachaId":8}`, string(receiveEvent(t, conn).Data))
}

func TestRemovedConnectionIsNeverDeliveredAgain(t *testing.T) {
	hub := NewBroadcastHub()
	gone := hub.Register("user-a")
	stays := hub.Register("user-b")
	hub.Subscribe(gone.ID, "gacha_7")
	hub.Subscribe(stays.ID, "gacha_7")
	gone.MarkOpen()
	stays.MarkOpen()

	hub.Remove(gone.ID)
	select {
	case <-gone.Done():
	case <-time.After(time.Second):
		t.Fatal("removed connection never reached closed state")
	}

	hub.Publish("gacha_7", "stock-update", map[string]int{"gachaId": 7})

	receiveEvent(t, stays)
	assertNoEvent(t, gone)
	assert.Equal(t, 1, hub.SubscriberCount("gacha_7"))
}

func TestConnectingConnectionNotDeliveredUntilOpen(t *testing.T) {
	hub := NewBroadcastHub()
	conn := hub.Register("user-a")
	hub.Subscribe(conn.ID, "gacha_7")

	hub.Publish("gacha_7", "stock-update", map[string]int{"gachaId": 7})
	assertNoEvent(t, conn)

	conn.MarkOpen()
	hub.Publish("gacha_7", "stock-update", map[string]int{"gachaId": 7})
	receiveEvent(t, conn)
}

func TestStalledConnectionDoesNotBlockOthers(t *testing.T) {
	hub := NewBroadcastHub()
	stalled := hub.Register("user-a")
	healthy := hub.Register("user-b")
	hub.Subscribe(stalled.ID, "gacha_7")
	hub.Subscribe(healthy.ID, "gacha_7")
	stalled.MarkOpen()
	healthy.MarkOpen()

	// The stalled connection never drains; once its buffer overflows it is
	// torn down while the healthy one keeps receiving everything.
	total := hub.sendBuffer + 1
	for i := 0; i < total; i++ {
		hub.Publish("gacha_7", "stock-update", map[string]int{"seq": i})
		receiveEvent(t, healthy)
	}

	select {
	case <-stalled.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled connection was not torn down")
	}
	assert.Equal(t, 1, hub.SubscriberCount("gacha_7"))
}

func TestPublishOrderPreservedPerConnection(t *testing.T) {
	hub := NewBroadcastHub()
	conn := hub.Register("user-a")
	hub.Subscribe(conn.ID, "gacha_7")
	conn.MarkOpen()

	const n = 10
	for i := 0; i < n; i++ {
		hub.Publish("gacha_7", "stock-update", map[string]int{"seq": i})
	}
	for i := 0; i < n; i++ {
		ev := receiveEvent(t, conn)
		require.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(ev.Data))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewBroadcastHub()
	conn := hub.Register("user-a")
	hub.Subscribe(conn.ID, "gacha_7")
	conn.MarkOpen()

	hub.Unsubscribe(conn.ID, "gacha_7")
	hub.Publish("gacha_7", "stock-update", map[string]int{"gachaId": 7})
	assertNoEvent(t, conn)
	assert.Equal(t, 0, hub.SubscriberCount("gacha_7"))
}

func TestKeepaliveSweepClosesStaleConnections(t *testing.T) {
	hub := NewBroadcastHub()
	hub.staleAfter = 10 * time.Millisecond
	conn := hub.Register("user-a")
	hub.Subscribe(conn.ID, "gacha_7")
	conn.MarkOpen()

	time.Sleep(20 * time.Millisecond)
	hub.sweep()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("stale connection survived the keepalive sweep")
	}
	assert.Equal(t, 0, hub.SubscriberCount("gacha_7"))
}

func TestKeepaliveSweepPingsFreshConnections(t *testing.T) {
	hub := NewBroadcastHub()
	conn := hub.Register("user-a")
	conn.MarkOpen()

	hub.sweep()

	ev := receiveEvent(t, conn)
	assert.Equal(t, "ping", ev.Type)
	select {
	case <-conn.Done():
		t.Fatal("fresh connection must survive the sweep")
	default:
	}
}
