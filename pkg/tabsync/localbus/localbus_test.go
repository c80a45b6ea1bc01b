package localbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSeparateNamesDoNotCrossTalk(t *testing.T) {
	bus := NewBus()
	a := bus.Open("db-a")
	b := bus.Open("db-b")
	defer a.Close()
	defer b.Close()

	a.Post(Message{Type: Relay, Collection: "posts"})

	select {
	case <-b.Recv():
		t.Fatal("handle on a different channel name received a is-other's message")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPostBroadcastsToAllPeers(t *testing.T) {
	bus := NewBus()
	h1 := bus.Open("shared")
	h2 := bus.Open("shared")
	h3 := bus.Open("shared")
	defer h1.Close()
	defer h2.Close()
	defer h3.Close()

	h1.Post(Message{Type: CloseForUpgrade, NewVersion: 2})

	for _, h := range []*Handle{h2, h3} {
		select {
		case msg := <-h.Recv():
			assert.Equal(t, CloseForUpgrade, msg.Type)
			assert.Equal(t, uint64(2), msg.NewVersion)
		case <-time.After(time.Second):
			t.Fatal("peer never received broadcast message")
		}
	}

	// h1 never receives its own post.
	select {
	case <-h1.Recv():
		t.Fatal("sender received its own broadcast")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseUnregistersHandle(t *testing.T) {
	bus := NewBus()
	h1 := bus.Open("shared")
	h2 := bus.Open("shared")
	defer h2.Close()

	h1.Close()
	h2.Post(Message{Type: Reinit})

	_, ok := <-h1.Recv()
	assert.False(t, ok, "closed handle's channel should be closed")
}

func TestPostNeverBlocksOnFullBuffer(t *testing.T) {
	bus := NewBus()
	sender := bus.Open("shared")
	receiver := bus.Open("shared")
	defer sender.Close()
	defer receiver.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			sender.Post(Message{Type: Relay})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked once the receiver's buffer filled")
	}
}

func TestPackageLevelOpenSharesGlobalBus(t *testing.T) {
	name := "relaydb-localbus-package-level-test"
	h1 := Open(name)
	h2 := Open(name)
	defer h1.Close()
	defer h2.Close()

	h1.Post(Message{Type: Reinit})

	select {
	case msg := <-h2.Recv():
		require.Equal(t, Reinit, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("package-level Open handles did not share the global bus")
	}
}
