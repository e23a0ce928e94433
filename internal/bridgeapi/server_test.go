package bridgeapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simbridge/internal/core/network"
	"simbridge/internal/metrics"
	"simbridge/internal/msgs"
	"simbridge/internal/simbridge"
	"simbridge/internal/simulator"
	"simbridge/internal/supervisor"
)

type fakeSimulator struct{}

func (fakeSimulator) State() supervisor.State { return supervisor.Ready }
func (fakeSimulator) PID() int                { return 4242 }
func (fakeSimulator) Usage(context.Context) (supervisor.Usage, error) {
	return supervisor.Usage{PID: 4242, RSSBytes: 1 << 20}, nil
}

type fixture struct {
	srv   *httptest.Server
	world *simulator.World
	bus   *network.MemoryPubSub
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	bus := network.NewMemoryPubSub()
	world := simulator.NewWorld(simbridge.New(bus.Dialer()), nil)
	require.NoError(t, world.Start(context.Background()))
	t.Cleanup(func() { _ = world.Stop() })

	reg := prometheus.NewRegistry()
	b := simbridge.New(bus.Dialer(), simbridge.WithMetrics(metrics.New(reg)))
	if connect {
		require.NoError(t, b.Connect(context.Background()))
	}
	t.Cleanup(func() { _ = b.Shutdown() })

	mux := http.NewServeMux()
	NewServer(b,
		WithSimulator(fakeSimulator{}),
		WithGatherer(reg),
		WithCommandTimeout(2*time.Second),
	).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, world: world, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	if res.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res, out
}

func TestSpawnAndDeleteWithWait(t *testing.T) {
	f := newFixture(t, true)

	res, _ := f.do(t, http.MethodPost, "/api/entities", `{"model_uri":"model://coke_can","name":"coke_can"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Eventually(t, func() bool {
		_, err := f.world.Entity("coke_can")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	res, body := f.do(t, http.MethodDelete, "/api/entities/coke_can?wait=true", "")
	require.Equal(t, http.StatusOK, res.StatusCode, "body: %v", body)
	resp := body["response"].(map[string]any)
	assert.Equal(t, "entity_delete", resp["request"])
	assert.Equal(t, "success", resp["response"])

	res, body = f.do(t, http.MethodDelete, "/api/entities/coke_can?wait=true", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "body: %v", body)
}

func TestSpawnValidation(t *testing.T) {
	f := newFixture(t, true)
	res, _ := f.do(t, http.MethodPost, "/api/entities", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/entities", `not json`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodGet, "/api/entities", "")
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	res, _ = f.do(t, http.MethodOptions, "/api/entities", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestCommandsBeforeConnect(t *testing.T) {
	f := newFixture(t, false)
	res, _ := f.do(t, http.MethodPost, "/api/entities", `{"model_uri":"model://coke_can"}`)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	res, _ = f.do(t, http.MethodDelete, "/api/entities/coke_can", "")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestPublishAndWorldControl(t *testing.T) {
	f := newFixture(t, true)

	res, _ := f.do(t, http.MethodPost, "/api/topics/publish",
		`{"topic":"~/factory","type":"sim.msgs.Factory","data":{"sdf_filename":"model://box","name":"box"}}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Eventually(t, func() bool {
		_, err := f.world.Entity("box")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	res, _ = f.do(t, http.MethodPost, "/api/topics/publish", `{"topic":"~/factory"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = f.do(t, http.MethodPost, "/api/world/pause", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/world/step?n=2", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Eventually(t, func() bool { return f.world.Iterations() == 2 }, 3*time.Second, 20*time.Millisecond)

	res, _ = f.do(t, http.MethodPost, "/api/world/step?n=zero", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/world/fly", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t, true)
	res, _ := f.do(t, http.MethodPost, "/api/entities", `{"model_uri":"model://coke_can"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	bridge := body["bridge"].(map[string]any)
	assert.Equal(t, true, bridge["connected"])
	sim := body["simulator"].(map[string]any)
	assert.Equal(t, "ready", sim["state"])
	assert.EqualValues(t, 4242, sim["pid"])

	mres, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer mres.Body.Close()
	text, err := io.ReadAll(mres.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `simbridge_published_total{topic="~/factory"} 1`)
}

func TestStreamDeliversTopicEvents(t *testing.T) {
	f := newFixture(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.srv.URL+"/api/topics/stream?topic="+msgs.TopicModelInfo+"&type="+msgs.TypeModel, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	_, err = f.world.Spawn("model://coke_can", "coke_can", nil)
	require.NoError(t, err)

	lines := make(chan string, 1)
	go func() {
		r := bufio.NewReader(res.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(strings.TrimSpace(line), "data: ")
				return
			}
		}
	}()

	select {
	case line := <-lines:
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Equal(t, msgs.TopicModelInfo, ev.Topic)
		assert.Equal(t, msgs.TypeModel, ev.Type)
		assert.Contains(t, string(ev.Data), `"coke_can"`)
	case <-time.After(3 * time.Second):
		t.Fatal("no stream event")
	}
}
