package hass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
)

func newTestClient(t *testing.T, ha *fakeHA, token string, opts ...ClientOption) *Client {
	t.Helper()

	opts = append([]ClientOption{
		WithReconnectConfig(10*time.Millisecond, 50*time.Millisecond, 2),
		WithResultTimeout(time.Second),
	}, opts...)

	client := NewClient(ha.url(), token, opts...)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func receiveEvent(t *testing.T, events chan *fastjson.Value) *fastjson.Value {
	t.Helper()

	select {
	case v := <-events:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		host     string
		expected string
	}{
		{host: "ws://localhost:8123", expected: "ws://localhost:8123/api/websocket"},
		{host: "http://localhost:8123/", expected: "ws://localhost:8123/api/websocket"},
		{host: "https://ha.example.com", expected: "wss://ha.example.com/api/websocket"},
		{host: "wss://ha.example.com", expected: "wss://ha.example.com/api/websocket"},
	}

	t.Parallel()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, websocketURL(tt.host))
		})
	}
}

func TestClientAuthInvalid(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, "wrong")

	err := client.WaitAuthenticated(context.Background())
	assert.ErrorIs(t, err, ErrAuthInvalid)

	_, err = client.GetStates(context.Background())
	assert.ErrorIs(t, err, ErrAuthInvalid)
}

func TestClientNotConnected(t *testing.T) {
	t.Parallel()

	client := NewClient("ws://127.0.0.1:1", testToken)
	assert.ErrorIs(t, client.WaitAuthenticated(context.Background()), ErrNotConnected)
	assert.Error(t, client.Connect(context.Background()))
	assert.NoError(t, client.Close())
}

func TestClientGetStates(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, testToken)

	states, err := client.GetStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "sensor.outdoor", states[0].EntityID)
	assert.Equal(t, "21.5", states[0].State)
	assert.Equal(t, "°C", states[0].UnitOfMeasurement())
	assert.Equal(t, "temperature", states[0].DeviceClass())
	assert.Empty(t, states[1].UnitOfMeasurement())
}

func TestClientEntityRegistry(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, testToken)

	entries, err := client.EntityRegistry(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "6d1a0c1f", entries[0].ID)
	assert.Equal(t, "sensor.outdoor", entries[0].EntityID)
	assert.Nil(t, entries[0].Name)
}

func TestClientCommandFailed(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, testToken)

	_, err := client.call(context.Background(), "config/unknown")
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "unknown_command")
}

func TestClientResultTimeout(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	ha.setSilent(MessageTypeGetStates)
	client := newTestClient(t, ha, testToken, WithResultTimeout(50*time.Millisecond))

	_, err := client.GetStates(context.Background())
	assert.ErrorIs(t, err, ErrResultTimeout)
}

func TestClientSubscribeEvents(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, testToken)

	events, err := client.SubscribeEvents(context.Background(), SubscribeEventsWithEventType(EventTypeStateChanged))
	require.NoError(t, err)
	id := <-ha.subscribed

	ha.sendEvent(id, "sensor.power", stateJSON("sensor.power", "230"))

	v := receiveEvent(t, events)
	assert.Equal(t, "event", string(v.GetStringBytes("type")))
	assert.Equal(t, "230", string(v.GetStringBytes("event", "data", "new_state", "state")))
}

func TestClientReconnect(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, testToken)

	reconnected := make(chan struct{}, 1)
	client.OnReconnect(func() { reconnected <- struct{}{} })

	events, err := client.SubscribeEvents(context.Background(), SubscribeEventsWithEventType(EventTypeStateChanged))
	require.NoError(t, err)
	firstID := <-ha.subscribed

	ha.drop()

	var secondID int
	select {
	case secondID = <-ha.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not restored")
	}
	assert.Greater(t, secondID, firstID, "restored subscriptions use fresh ids")

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect hook not called")
	}
	assert.Equal(t, 2, ha.connectCount())

	ha.sendEvent(secondID, "sensor.power", stateJSON("sensor.power", "231"))
	v := receiveEvent(t, events)
	assert.Equal(t, "231", string(v.GetStringBytes("event", "data", "new_state", "state")))

	states, err := client.GetStates(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestClientCloseAndConnectResumes(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, testToken)

	events, err := client.SubscribeEvents(context.Background())
	require.NoError(t, err)
	<-ha.subscribed

	require.NoError(t, client.Close())
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.WaitAuthenticated(context.Background()))

	var id int
	select {
	case id = <-ha.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not restored")
	}

	ha.sendEvent(id, "sensor.power", stateJSON("sensor.power", "5"))
	receiveEvent(t, events)
}

func TestClientNotAuthenticatedWhileReconnecting(t *testing.T) {
	t.Parallel()
	ha := newFakeHA(t)
	client := newTestClient(t, ha, testToken)
	require.NoError(t, client.WaitAuthenticated(context.Background()))

	waitAuthenticated := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		return client.WaitAuthenticated(ctx)
	}

	ha.setRefuse(true)
	ha.drop()

	assert.Eventually(t, func() bool {
		return errors.Is(waitAuthenticated(), ErrNotConnected)
	}, 2*time.Second, 10*time.Millisecond)

	_, err := client.GetStates(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	ha.setRefuse(false)

	assert.Eventually(t, func() bool {
		return waitAuthenticated() == nil
	}, 2*time.Second, 10*time.Millisecond)

	states, err := client.GetStates(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 2)
}
