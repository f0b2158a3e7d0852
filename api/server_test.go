package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/mapcluster/cluster"
	"web/mapcluster/config"
	"web/mapcluster/runner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*Server
	router http.Handler
}

func newTestServer(t *testing.T, serverCfg config.Server) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Runner.DataDir = t.TempDir()
	cfg.Runner.CleanupInterval = config.Duration{}
	options := cfg.Cluster
	options.MaxZoom = 10

	reg := prometheus.NewRegistry()
	r, err := runner.New(cfg.Runner, options, nil, reg)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	s := NewServer(r, serverCfg, nil, reg)
	return &testServer{Server: s, router: s.Router()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func unlimited() config.Server {
	cfg := config.Default().Server
	cfg.BuildRate = 0
	return cfg
}

const worldQuery = "north=90&south=-90&east=180&west=-180"

func markers() []cluster.Marker {
	return []cluster.Marker{
		{Lng: 0, Lat: 0, Class: "store"},
		{Lng: 0.001, Lat: 0.001},
		{Lng: 50, Lat: 50},
		{Lng: 50.001, Lat: 50.001},
	}
}

func createCluster(t *testing.T, ts *testServer) runner.ClusterInfo {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/clusters", gin.H{"markers": markers()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var info runner.ClusterInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	return info
}

func decodeFeatures(t *testing.T, w *httptest.ResponseRecorder) *geojson.FeatureCollection {
	t.Helper()
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	return fc
}

func TestNoDefaultCluster(t *testing.T) {
	ts := newTestServer(t, unlimited())

	w := ts.do(t, http.MethodGet, "/api/clusters?zoom=1&"+worldQuery, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/clusters/metadata?zoom=1&"+worldQuery, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAndGetClusters(t *testing.T) {
	ts := newTestServer(t, unlimited())
	info := createCluster(t, ts)
	assert.Equal(t, 4, info.NumPoints)
	assert.Equal(t, info.ID, ts.DefaultCluster())

	w := ts.do(t, http.MethodGet, "/api/clusters?zoom=0&"+worldQuery, nil)
	require.Equal(t, http.StatusOK, w.Code)
	fc := decodeFeatures(t, w)
	require.Len(t, fc.Features, 2)
	for _, f := range fc.Features {
		assert.Equal(t, true, f.Properties["cluster"])
		assert.Equal(t, 2.0, f.Properties["point_count"])
	}

	w = ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"?zoom=11&"+worldQuery, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeFeatures(t, w).Features, 4)
}

func TestGetClustersBadParams(t *testing.T) {
	ts := newTestServer(t, unlimited())
	info := createCluster(t, ts)

	w := ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"?zoom=x&"+worldQuery, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"?zoom=3&north=1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid south parameter")

	w = ts.do(t, http.MethodGet, "/api/clusters/ffffffff?zoom=3&"+worldQuery, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChildrenAndExpansion(t *testing.T) {
	ts := newTestServer(t, unlimited())
	info := createCluster(t, ts)

	fc := decodeFeatures(t, ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"?zoom=0&"+worldQuery, nil))
	f := fc.Features[0]
	clusterID := int(f.Properties["cluster_id"].(float64))
	zoom := int(f.Properties["zoom"].(float64))

	query := "?zoom=" + strconv.Itoa(zoom) + "&cluster_id=" + strconv.Itoa(clusterID)
	w := ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/children"+query, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decodeFeatures(t, w).Features, 2)

	w = ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/expansion"+query, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var exp struct{ Zoom int }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exp))
	assert.Equal(t, zoom+1, exp.Zoom)

	w = ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/children?zoom=3&cluster_id=999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/clusters/"+info.ID+"/expansion?zoom=3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetadata(t *testing.T) {
	ts := newTestServer(t, unlimited())
	info := createCluster(t, ts)

	for _, path := range []string{"/api/clusters/metadata", "/api/clusters/" + info.ID + "/metadata"} {
		w := ts.do(t, http.MethodGet, path+"?zoom=11&"+worldQuery, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var summary cluster.MetadataSummary
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
		assert.Equal(t, 4, summary.TotalPoints)
		assert.Equal(t, 4, summary.NumSinglePoints)
	}
}

func TestListLoadReload(t *testing.T) {
	ts := newTestServer(t, unlimited())
	info := createCluster(t, ts)

	w := ts.do(t, http.MethodGet, "/api/clusters/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []runner.ClusterInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	ts.SetDefaultCluster("")
	w = ts.do(t, http.MethodPost, "/api/clusters/"+info.ID+"/load", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, info.ID, ts.DefaultCluster())

	w = ts.do(t, http.MethodPost, "/api/clusters/ffffffff/load", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/clusters/"+info.ID, gin.H{"numPoints": 25})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reloaded runner.ClusterInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reloaded))
	assert.Equal(t, 25, reloaded.NumPoints)
}

func TestCreateInvalid(t *testing.T) {
	ts := newTestServer(t, unlimited())

	w := ts.do(t, http.MethodPost, "/api/clusters", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/clusters", gin.H{
		"numPoints": 10,
		"options":   gin.H{"minZoom": 5, "maxZoom": 1, "radius": 40, "extent": 512, "nodeSize": 64},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/clusters", gin.H{
		"numPoints": 10,
		"options":   gin.H{"minZoom": 0, "maxZoom": 1000000000, "radius": 40, "extent": 512, "nodeSize": 64},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/clusters", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildRateLimit(t *testing.T) {
	cfg := config.Default().Server
	cfg.BuildRate = 0.001
	cfg.BuildBurst = 1
	ts := newTestServer(t, cfg)

	w := ts.do(t, http.MethodPost, "/api/clusters", gin.H{"numPoints": 10})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/clusters", gin.H{"numPoints": 10})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, unlimited())

	w := ts.do(t, http.MethodOptions, "/api/clusters", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, unlimited())
	createCluster(t, ts)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mapcluster_loaded_clusters 1")
}

func TestInitDefaultCluster(t *testing.T) {
	ts := newTestServer(t, unlimited())
	info := createCluster(t, ts)

	ts.SetDefaultCluster("")
	ts.InitDefaultCluster(t.Context())
	assert.Equal(t, info.ID, ts.DefaultCluster())
}
