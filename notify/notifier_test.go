package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyRepaidPublishesToBomberChannel(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	sub := client.Subscribe(context.Background(), Channel(7))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	n := NewRedisNotifier(client)
	require.NoError(t, n.NotifyRepaid(context.Background(), 7, 42))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "case_repaid", ev.Kind)
		assert.Equal(t, int64(42), ev.ApplicationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}
