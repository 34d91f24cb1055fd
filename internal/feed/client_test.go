package feed

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConsumesStream(t *testing.T) {
	h := NewHub(10, zerolog.Nop())
	h.Publish("signal", map[string]string{"symbol": "SBER"})
	h.Publish("decision", map[string]string{"verdict": "APPROVED"})

	srv := httptest.NewServer(Router(h, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, zerolog.Nop())
	// Resume from zero replays the whole buffer.
	client.mu.Lock()
	client.lastEventID = "0"
	client.mu.Unlock()
	events := client.Start(ctx)

	var got []Envelope
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case env := <-events:
			got = append(got, env)
		case <-timeout:
			t.Fatalf("only received %d events", len(got))
		}
	}

	assert.Equal(t, "signal", got[0].Type)
	assert.Equal(t, "decision", got[1].Type)
	assert.Equal(t, "2", client.LastEventID())

	// Live events flow after the replay.
	h.Publish("snapshot", map[string]float64{"cash": 1})
	select {
	case env := <-events:
		require.Equal(t, "snapshot", env.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("live event not delivered")
	}
}
