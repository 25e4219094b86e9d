package hass

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

const testToken = "secret-token"

// fakeHA speaks the Home Assistant websocket API well enough for client tests.
type fakeHA struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	states   string
	registry string

	mtx        sync.Mutex
	conn       *websocket.Conn
	writeMtx   *sync.Mutex
	silent     map[string]bool
	connects   int
	refuse     bool
	burst      int
	lastSub    int
	subscribed chan int
}

func newFakeHA(t *testing.T) *fakeHA {
	t.Helper()

	ha := &fakeHA{
		t: t,
		states: `[
			{"entity_id":"sensor.outdoor","state":"21.5","attributes":{"unit_of_measurement":"°C","device_class":"temperature"},
			 "last_changed":"2026-01-01T00:00:00Z","last_updated":"2026-01-01T00:00:00Z","context":{"id":"c1"}},
			{"entity_id":"light.kitchen","state":"on","attributes":{},
			 "last_changed":"2026-01-01T00:00:00Z","last_updated":"2026-01-01T00:00:00Z","context":{"id":"c2"}}
		]`,
		registry:   `[{"id":"6d1a0c1f","entity_id":"sensor.outdoor","platform":"mqtt","name":null,"disabled_by":null}]`,
		silent:     make(map[string]bool),
		subscribed: make(chan int, 16),
	}

	ha.server = httptest.NewServer(http.HandlerFunc(ha.handle))
	t.Cleanup(ha.server.Close)

	return ha
}

func (ha *fakeHA) url() string {
	return ha.server.URL
}

func (ha *fakeHA) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}

	ha.mtx.Lock()
	refuse := ha.refuse
	ha.mtx.Unlock()
	if refuse {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}

	conn, err := ha.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writeMtx := &sync.Mutex{}
	ha.mtx.Lock()
	ha.conn = conn
	ha.writeMtx = writeMtx
	ha.connects++
	ha.mtx.Unlock()

	send := func(msg string) {
		writeMtx.Lock()
		defer writeMtx.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}

	send(`{"type":"auth_required","ha_version":"2026.1.0"}`)

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if fastjson.GetString(payload, "access_token") != testToken {
		send(`{"type":"auth_invalid","message":"Invalid access token or password"}`)
		return
	}
	send(`{"type":"auth_ok","ha_version":"2026.1.0"}`)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		id := fastjson.GetInt(payload, "id")
		typ := fastjson.GetString(payload, "type")

		ha.mtx.Lock()
		silent := ha.silent[typ]
		burst, lastSub := ha.burst, ha.lastSub
		ha.mtx.Unlock()
		if silent {
			continue
		}

		switch typ {
		case MessageTypeGetStates:
			for i := 0; i < burst && lastSub > 0; i++ {
				send(eventJSON(lastSub, "sensor.burst", stateJSON("sensor.burst", fmt.Sprint(i))))
			}
			send(fmt.Sprintf(`{"id":%d,"type":"result","success":true,"result":%s}`, id, ha.states))
		case MessageTypeEntityRegistryList:
			send(fmt.Sprintf(`{"id":%d,"type":"result","success":true,"result":%s}`, id, ha.registry))
		case MessageTypeSubscribeEvents:
			send(fmt.Sprintf(`{"id":%d,"type":"result","success":true,"result":null}`, id))
			ha.mtx.Lock()
			ha.lastSub = id
			ha.mtx.Unlock()
			ha.subscribed <- id
		default:
			send(fmt.Sprintf(`{"id":%d,"type":"result","success":false,"error":{"code":"unknown_command","message":"Unknown command."}}`, id))
		}
	}
}

func (ha *fakeHA) setSilent(msgType string) {
	ha.mtx.Lock()
	defer ha.mtx.Unlock()
	ha.silent[msgType] = true
}

// setBurst makes get_states send n state_changed events before its result.
func (ha *fakeHA) setBurst(n int) {
	ha.mtx.Lock()
	defer ha.mtx.Unlock()
	ha.burst = n
}

// setRefuse makes new websocket handshakes fail.
func (ha *fakeHA) setRefuse(refuse bool) {
	ha.mtx.Lock()
	defer ha.mtx.Unlock()
	ha.refuse = refuse
}

func (ha *fakeHA) connectCount() int {
	ha.mtx.Lock()
	defer ha.mtx.Unlock()
	return ha.connects
}

// sendEvent pushes a state_changed event for the subscription id.
func (ha *fakeHA) sendEvent(id int, entityID, newState string) {
	ha.t.Helper()

	msg := eventJSON(id, entityID, newState)

	ha.mtx.Lock()
	conn, writeMtx := ha.conn, ha.writeMtx
	ha.mtx.Unlock()

	writeMtx.Lock()
	defer writeMtx.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		ha.t.Errorf("failed to send event: %v", err)
	}
}

// drop closes the current connection without a close handshake.
func (ha *fakeHA) drop() {
	ha.mtx.Lock()
	conn := ha.conn
	ha.mtx.Unlock()
	_ = conn.UnderlyingConn().Close()
}

func eventJSON(id int, entityID, newState string) string {
	if newState == "" {
		newState = "null"
	}
	return fmt.Sprintf(`{"id":%d,"type":"event","event":{"event_type":"state_changed","time_fired":"2026-01-01T00:00:01Z",
		"origin":"LOCAL","context":{"id":"c3"},"data":{"entity_id":%q,"old_state":null,"new_state":%s}}}`,
		id, entityID, strings.TrimSpace(newState))
}

func stateJSON(entityID, state string) string {
	return fmt.Sprintf(`{"entity_id":%q,"state":%q,"attributes":{"unit_of_measurement":"W"},
		"last_changed":"2026-01-01T00:00:01Z","last_updated":"2026-01-01T00:00:01Z","context":{"id":"c4"}}`,
		entityID, state)
}
