package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/hass-sampler/hass"
	"github.com/jkaflik/hass-sampler/internal/database"
	"github.com/jkaflik/hass-sampler/internal/entry"
	"github.com/jkaflik/hass-sampler/internal/sampler"
)

type staticResolver struct{}

func (staticResolver) ResolveEntityID(_ context.Context, ref string) (string, error) {
	if hass.ValidEntityID(ref) {
		return ref, nil
	}
	return "", hass.ErrUnknownEntity
}

type staticStates map[string]*hass.State

func (s staticStates) Get(entityID string) *hass.State {
	return s[entityID]
}

type snapshotFunc func(id string) (sampler.State, bool)

func (f snapshotFunc) Snapshot(id string) (sampler.State, bool) {
	return f(id)
}

func newTestServer(t *testing.T, health HealthFunc) (*httptest.Server, *Client) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	flow := entry.NewFlow(entry.NewSQLiteRepository(db.DB), staticResolver{}, staticStates{
		"sensor.outdoor": {EntityID: "sensor.outdoor", State: "21"},
		"light.kitchen":  {EntityID: "light.kitchen", State: "on"},
	})

	value := "21"
	server, err := New(Deps{
		Entries: flow,
		States: snapshotFunc(func(id string) (sampler.State, bool) {
			return sampler.State{EntryID: id, Available: true, Value: &value}, true
		}),
		Health:  health,
		Version: "test",
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return ts, NewClient(ts.URL)
}

func TestNewRequiresEntries(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestEntryLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, client := newTestServer(t, nil)

	created, err := client.CreateEntry(ctx, entry.CreateInput{Name: "Outdoor", EntityID: "sensor.outdoor", Period: 60})
	require.NoError(t, err)
	assert.Equal(t, "Outdoor", created.Title)
	assert.Equal(t, 60, created.Options.Period)
	require.NotNil(t, created.State)
	assert.Equal(t, "21", created.State.StateString())

	updated, err := client.UpdateOptions(ctx, created.ID, entry.OptionsInput{Period: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Options.Period)
	assert.Equal(t, "sensor.outdoor", updated.Options.EntityID)

	got, err := client.GetEntry(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Options.Period)

	entries, err := client.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, client.DeleteEntry(ctx, created.ID))

	_, err = client.GetEntry(ctx, created.ID)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, ErrCodeNotFound, apiErr.Code)
}

func TestCreateEntryErrors(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		expectedCode string
	}{
		{name: "invalid json", body: `{`, expectedCode: ErrCodeBadRequest},
		{name: "missing fields", body: `{"period":0}`, expectedCode: ErrCodeValidation},
		{name: "period too large", body: `{"name":"A","entity_id":"sensor.outdoor","period":31536001}`, expectedCode: ErrCodeValidation},
		{name: "not a sensor", body: `{"name":"A","entity_id":"light.kitchen","period":1}`, expectedCode: ErrCodeInvalidEntity},
		{name: "unknown entity", body: `{"name":"A","entity_id":"sensor.nope","period":1}`, expectedCode: ErrCodeInvalidEntity},
	}

	t.Parallel()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts, _ := newTestServer(t, nil)

			resp, err := http.Post(ts.URL+"/api/entries", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body Error
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, http.StatusBadRequest, body.Status)
			assert.Equal(t, tt.expectedCode, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestUpdateOptionsErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, client := newTestServer(t, nil)

	_, err := client.UpdateOptions(ctx, "missing", entry.OptionsInput{Period: 5})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	created, err := client.CreateEntry(ctx, entry.CreateInput{Name: "A", EntityID: "sensor.outdoor", Period: 1})
	require.NoError(t, err)

	_, err = client.UpdateOptions(ctx, created.ID, entry.OptionsInput{Period: 0})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, ErrCodeValidation, apiErr.Code)
}

func TestSchemas(t *testing.T) {
	t.Parallel()
	ts, client := newTestServer(t, nil)

	schema, err := client.ConfigSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user", schema.Step)
	assert.Len(t, schema.Fields, 3)

	resp, err := http.Get(ts.URL + "/api/flows/options")
	require.NoError(t, err)
	defer resp.Body.Close()

	var options entry.Schema
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&options))
	assert.Equal(t, "init", options.Step)
	require.Len(t, options.Fields, 1)
	assert.Equal(t, entry.FieldPeriod, options.Fields[0].Key)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts, _ = newTestServer(t, func(context.Context) error { return errors.New("home assistant disconnected") })
	resp, err = http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
