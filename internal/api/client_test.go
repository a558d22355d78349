package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"atmosync/internal/auth"
	"atmosync/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthorizer struct {
	token  string
	err    error
	scopes auth.ScopeSet
	calls  int
}

func (f *fakeAuthorizer) AccessToken(ctx context.Context) (string, error) {
	f.calls++
	return f.token, f.err
}

func (f *fakeAuthorizer) HasScope(scope auth.Scope) bool {
	return f.scopes.Includes(scope)
}

type recordingServer struct {
	mu       sync.Mutex
	server   *httptest.Server
	requests []url.Values
	paths    []string
}

func newRecordingServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *recordingServer {
	rs := &recordingServer{}
	rs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		rs.mu.Lock()
		rs.requests = append(rs.requests, r.PostForm)
		rs.paths = append(rs.paths, r.URL.Path)
		rs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func (rs *recordingServer) last() (string, url.Values) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.paths[len(rs.paths)-1], rs.requests[len(rs.requests)-1]
}

const stationsBody = `{
  "status": "ok",
  "time_server": 1700000000,
  "body": {
    "devices": [{
      "_id": "70:ee:50:00:00:01",
      "station_name": "Home",
      "module_name": "Indoor",
      "type": "NAMain",
      "data_type": ["Temperature", "CO2", "Humidity", "Noise", "Pressure"],
      "place": {"location": [2.35, 48.85], "altitude": 35, "timezone": "Europe/Paris"},
      "modules": [
        {"_id": "02:00:00:00:00:01", "module_name": "Outdoor", "type": "NAModule1", "data_type": ["Temperature", "Humidity"]},
        {"_id": "06:00:00:00:00:01", "module_name": "Wind", "type": "NAModule2", "data_type": ["Wind"]}
      ]
    }]
  }
}`

func TestClient_GetStationsData(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(stationsBody))
	})
	authz := &fakeAuthorizer{token: "tok"}
	client := NewClient(Config{BaseURL: rs.server.URL}, rs.server.Client(), authz, nil)

	favorites := false
	data, err := client.GetStationsData(context.Background(), StationsRequest{DeviceID: "70:ee:50:00:00:01", GetFavorites: &favorites})
	require.NoError(t, err)

	path, form := rs.last()
	assert.Equal(t, "/api/getstationsdata", path)
	assert.Equal(t, "tok", form.Get("access_token"))
	assert.Equal(t, "70:ee:50:00:00:01", form.Get("device_id"))
	assert.Equal(t, "false", form.Get("get_favorites"))

	require.Len(t, data.Devices, 1)
	dev := data.Devices[0]
	assert.Equal(t, "Home", dev.StationName)
	assert.Equal(t, "NAMain", dev.Type)
	assert.InDelta(t, 48.85, dev.Place.Latitude(), 1e-9)
	assert.InDelta(t, 2.35, dev.Place.Longitude(), 1e-9)
	assert.Equal(t, "Europe/Paris", dev.Place.Timezone)
	require.Len(t, dev.Modules, 2)
	assert.Equal(t, []string{"Wind"}, dev.Modules[1].DataType)
}

func TestClient_GetStationsDataOmitsUnsetParams(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","body":{"devices":[]}}`))
	})
	client := NewClient(Config{BaseURL: rs.server.URL}, rs.server.Client(), &fakeAuthorizer{token: "tok"}, nil)

	data, err := client.GetStationsData(context.Background(), StationsRequest{})
	require.NoError(t, err)
	assert.Empty(t, data.Devices)

	_, form := rs.last()
	_, hasDevice := form["device_id"]
	_, hasFavorites := form["get_favorites"]
	assert.False(t, hasDevice)
	assert.False(t, hasFavorites)
}

func TestClient_GetMeasure(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","body":[
			{"beg_time": 1000, "step_time": 300, "value": [[21.5, 40], [21.6, null], [21.7, 42]]},
			{"beg_time": 5000, "value": [[22, 43]]}
		]}`))
	})
	client := NewClient(Config{BaseURL: rs.server.URL}, rs.server.Client(), &fakeAuthorizer{token: "tok"}, nil)

	begin := int64(900)
	data, err := client.GetMeasure(context.Background(), MeasureRequest{
		DeviceID:  "70:ee:50:00:00:01",
		ModuleID:  "02:00:00:00:00:01",
		Types:     []string{"Temperature", "Humidity"},
		DateBegin: &begin,
		Limit:     1024,
		Optimize:  true,
	})
	require.NoError(t, err)

	path, form := rs.last()
	assert.Equal(t, "/api/getmeasure", path)
	assert.Equal(t, "max", form.Get("scale"))
	assert.Equal(t, "Temperature,Humidity", form.Get("type"))
	assert.Equal(t, "900", form.Get("date_begin"))
	assert.Equal(t, "1024", form.Get("limit"))
	assert.Equal(t, "true", form.Get("optimize"))
	assert.Equal(t, "02:00:00:00:00:01", form.Get("module_id"))
	_, hasEnd := form["date_end"]
	assert.False(t, hasEnd)

	require.Len(t, data.Blocks, 2)
	assert.Equal(t, int64(1000), data.Blocks[0].BegTime)
	assert.Equal(t, int64(300), data.Blocks[0].StepTime)
	require.Len(t, data.Blocks[0].Value, 3)
	assert.Nil(t, data.Blocks[0].Value[1][1])
	assert.Equal(t, 21.7, *data.Blocks[0].Value[2][0])
	assert.Equal(t, int64(0), data.Blocks[1].StepTime)
}

func TestMeasureData_UnmarshalNonOptimized(t *testing.T) {
	var env envelope[MeasureData]
	err := jsonUnmarshal(`{"body": {"1600": [20.1], "1000": [19.5], "1300": [null]}}`, &env)
	require.NoError(t, err)

	blocks := env.Body.Blocks
	require.Len(t, blocks, 3)
	assert.Equal(t, int64(1000), blocks[0].BegTime)
	assert.Equal(t, int64(1300), blocks[1].BegTime)
	assert.Equal(t, int64(1600), blocks[2].BegTime)
	assert.Nil(t, blocks[1].Value[0][0])
	assert.Equal(t, 20.1, *blocks[2].Value[0][0])
}

func TestMeasureData_UnmarshalEmpty(t *testing.T) {
	for _, body := range []string{`{"body": []}`, `{"body": null}`, `{"body": {}}`} {
		var env envelope[MeasureData]
		require.NoError(t, jsonUnmarshal(body, &env), body)
		assert.Empty(t, env.Body.Blocks, body)
	}
}

func jsonUnmarshal(body string, v interface{}) error {
	return json.Unmarshal([]byte(body), v)
}

func TestClient_RemoteError(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":13,"message":"Operation forbidden"}}`))
	})
	client := NewClient(Config{BaseURL: rs.server.URL}, rs.server.Client(), &fakeAuthorizer{token: "tok"}, nil)

	_, err := client.GetStationsData(context.Background(), StationsRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRemoteFailure)

	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusForbidden, remoteErr.StatusCode)
	assert.Contains(t, remoteErr.Body, "Operation forbidden")
}

func TestClient_MalformedBody(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	client := NewClient(Config{BaseURL: rs.server.URL}, rs.server.Client(), &fakeAuthorizer{token: "tok"}, nil)

	_, err := client.GetMeasure(context.Background(), MeasureRequest{DeviceID: "d", Types: []string{"Temperature"}})
	assert.ErrorIs(t, err, core.ErrRemoteFailure)
}

func TestClient_PermissionDeniedBeforeIO(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"body":{"devices":[]}}`))
	})
	authz := &fakeAuthorizer{token: "tok", scopes: auth.NewScopeSet(auth.ScopeReadThermostat)}
	client := NewClient(Config{BaseURL: rs.server.URL}, rs.server.Client(), authz, nil)

	_, err := client.GetStationsData(context.Background(), StationsRequest{})
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	_, err = client.GetMeasure(context.Background(), MeasureRequest{DeviceID: "d"})
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	assert.Equal(t, 0, rs.count())
	assert.Equal(t, 0, authz.calls)
}

func TestClient_TokenUnavailable(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {})
	authz := &fakeAuthorizer{err: core.ErrTokenUnavailable}
	client := NewClient(Config{BaseURL: rs.server.URL}, rs.server.Client(), authz, nil)

	_, err := client.GetStationsData(context.Background(), StationsRequest{})
	assert.ErrorIs(t, err, core.ErrTokenUnavailable)
	assert.Equal(t, 0, rs.count())
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	rs := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := NewClient(Config{
		BaseURL:            rs.server.URL,
		BreakerMaxFailures: 2,
		BreakerTimeout:     time.Hour,
	}, rs.server.Client(), &fakeAuthorizer{token: "tok"}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.GetStationsData(ctx, StationsRequest{})
		assert.ErrorIs(t, err, core.ErrRemoteFailure)
	}
	assert.Equal(t, 2, rs.count())

	_, err := client.GetStationsData(ctx, StationsRequest{})
	assert.ErrorIs(t, err, core.ErrRemoteFailure)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, 2, rs.count(), "open breaker must not reach the server")
}
