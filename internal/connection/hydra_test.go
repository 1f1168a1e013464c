package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/watergridgo/internal/ctxlog"
)

func testCtx() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.Default())
}

func TestHydraGetNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, ok := req["get_network"]
		require.True(t, ok, "expected a get_network call")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 7, "name": "Basin", "nodes": [{"id": 1, "name": "Reservoir"}]}`))
	}))
	defer server.Close()

	h := NewHydra(HydraOptions{URL: server.URL, AppName: "watergridgo", SessionID: "s1"})
	defer h.Close()

	network, err := h.GetNetwork(testCtx(), NetworkFilter{NetworkID: 7, IncludeData: true})
	require.NoError(t, err)
	assert.Equal(t, 7, network.ID)
	assert.Equal(t, "Basin", network.Name)
	require.Len(t, network.Nodes, 1)
	assert.Equal(t, "Reservoir", network.Nodes[0].Name)
}

func TestHydraRetriesAfterSessionFault(t *testing.T) {
	calls := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		for fn := range req {
			calls = append(calls, fn)
			switch {
			case fn == "login":
				http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "fresh"})
				w.Write([]byte(`{"user_id": 3}`))
			case len(calls) == 1:
				w.Write([]byte(`{"faultcode": "No Session", "faultstring": "session expired"}`))
			default:
				cookie, err := r.Cookie(sessionCookie)
				require.NoError(t, err)
				assert.Equal(t, "fresh", cookie.Value)
				w.Write([]byte(`{"id": 1, "name": "T"}`))
			}
		}
	}))
	defer server.Close()

	h := NewHydra(HydraOptions{
		URL:      server.URL,
		AppName:  "watergridgo",
		Username: "user",
		Password: "pass",
	})
	defer h.Close()

	template, err := h.GetTemplate(testCtx(), 1)
	require.NoError(t, err)
	assert.Equal(t, "T", template.Name)
	assert.Equal(t, []string{"get_template", "login", "get_template"}, calls)
}

func TestHydraSurfacesFaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"faultcode": "HydraError", "faultstring": "no such network"}`))
	}))
	defer server.Close()

	h := NewHydra(HydraOptions{URL: server.URL, SessionID: "s1"})
	defer h.Close()

	_, err := h.GetNetwork(testCtx(), NetworkFilter{NetworkID: 404})
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "HydraError", fault.Code)
}

func TestFileConnectionServesScenarioData(t *testing.T) {
	f := NewFile(networkFixture(), nil)

	data, err := f.GetResourceAttributeData(testCtx(), ResourceAttrQuery{ScenarioID: 1})
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, "10", data[0].Value.Value)

	data, err = f.GetResourceAttributeData(testCtx(), ResourceAttrQuery{ScenarioID: 99})
	require.NoError(t, err)
	assert.Empty(t, data)
}
