package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadiness(t *testing.T) {
	st := newStatus("node-1", 1)
	mux := newStatusMux(st)

	require.Equal(t, http.StatusOK, get(t, mux, "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/readyz").Code)
	st.setReady(true)
	require.Equal(t, http.StatusOK, get(t, mux, "/readyz").Code)
	st.setClosing()
	require.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/readyz").Code)
}

func TestStateAndDashboard(t *testing.T) {
	st := newStatus("node-1", 0x80000000)
	st.update(engine.Stats{Peers: 3, Inbound: 2, Outbound: 1}, chainstate.ChainView{BurnBlockHeight: 812}, 4)
	st.update(engine.Stats{Peers: 3, Inbound: 2, Outbound: 1}, chainstate.ChainView{BurnBlockHeight: 812}, 1)
	st.setNeighbors(6)
	mux := newStatusMux(st)

	rec := get(t, mux, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var got Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "node-1", got.NodeID)
	require.Equal(t, 3, got.Peers)
	require.Equal(t, uint64(5), got.Forwarded)
	require.Equal(t, 6, got.Neighbors)
	require.Equal(t, uint64(812), got.BurnHeight)

	rec = get(t, mux, "/dashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "node node-1")
	require.Contains(t, rec.Body.String(), "0x80000000")

	rec = get(t, mux, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "peerhttp_active_peers")
}
