package connection

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
)

func TestStaticNetwork_NotifiesOnFlip(t *testing.T) {
	n := NewStaticNetwork(true)
	var got []bool
	unsub := n.Subscribe(func(online bool) { got = append(got, online) })

	n.Set(true)
	n.Set(false)
	n.Set(false)
	n.Set(true)
	assert.Equal(t, []bool{false, true}, got)

	unsub()
	n.Set(false)
	assert.Len(t, got, 2)
}

func TestProbeNetwork(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := NewProbeNetwork(ln.Addr().String(), 10*time.Millisecond, logging.Nop())
	defer p.Close()
	assert.True(t, p.Online())

	offline := make(chan struct{}, 1)
	p.Subscribe(func(online bool) {
		if !online {
			select {
			case offline <- struct{}{}:
			default:
			}
		}
	})
	ln.Close()

	select {
	case <-offline:
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not notice the closed listener")
	}
	assert.False(t, p.Online())
}
