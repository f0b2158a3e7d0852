// Package api serves cluster queries over HTTP as GeoJSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"web/mapcluster/cluster"
	"web/mapcluster/config"
	"web/mapcluster/logging"
	"web/mapcluster/runner"
)

// Server routes HTTP requests to a ClusterService, local or remote.
type Server struct {
	clusters runner.ClusterService
	logger   *logging.Logger
	cfg      config.Server
	gatherer prometheus.Gatherer
	builds   *rate.Limiter

	mu               sync.RWMutex
	defaultClusterID string // most recently created or loaded cluster
}

// NewServer creates a Server. gatherer backs GET /metrics; nil uses the
// default Prometheus registry.
func NewServer(clusters runner.ClusterService, cfg config.Server, logger *logging.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	limit := rate.Limit(cfg.BuildRate)
	if cfg.BuildRate <= 0 {
		limit = rate.Inf
	}
	return &Server{
		clusters: clusters,
		logger:   logger.WithComponent("api"),
		cfg:      cfg,
		gatherer: gatherer,
		builds:   rate.NewLimiter(limit, max(cfg.BuildBurst, 1)),
	}
}

// SetDefaultCluster sets the cluster used by routes without an id.
func (s *Server) SetDefaultCluster(id string) {
	s.mu.Lock()
	s.defaultClusterID = id
	s.mu.Unlock()
}

// DefaultCluster returns the cluster used by routes without an id.
func (s *Server) DefaultCluster() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultClusterID
}

// InitDefaultCluster picks the newest saved cluster when none is set.
func (s *Server) InitDefaultCluster(ctx context.Context) {
	if s.DefaultCluster() != "" {
		return
	}
	resp, err := s.clusters.ListClusters(ctx, &runner.ListClustersRequest{})
	if err != nil {
		s.logger.Warn("failed to list clusters", "error", err)
		return
	}
	if len(resp.Clusters) > 0 {
		s.SetDefaultCluster(resp.Clusters[0].ID)
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.cors())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/clusters")
	api.GET("", s.withDefault(s.handleGetClusters))
	api.GET("/list", s.handleList)
	api.GET("/metadata", s.withDefault(s.handleGetMetadata))
	api.POST("", s.rateLimited(s.handleCreate))

	api.GET("/:id", s.withParam(s.handleGetClusters))
	api.PUT("/:id", s.rateLimited(s.withParam(s.handleReload)))
	api.POST("/:id/load", s.withParam(s.handleLoad))
	api.GET("/:id/metadata", s.withParam(s.handleGetMetadata))
	api.GET("/:id/children", s.withParam(s.handleChildren))
	api.GET("/:id/expansion", s.withParam(s.handleExpansion))

	return r
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) rateLimited(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.builds.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many build requests"})
			return
		}
		h(c)
	}
}

type clusterHandler func(c *gin.Context, clusterID string)

func (s *Server) withDefault(h clusterHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := s.DefaultCluster()
		if id == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "No clusters available"})
			return
		}
		h(c, id)
	}
}

func (s *Server) withParam(h clusterHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		h(c, c.Param("id"))
	}
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, runner.ErrUnknownCluster), errors.Is(err, cluster.ErrClusterNotFound):
		code = http.StatusNotFound
	case errors.Is(err, runner.ErrInvalidRequest), errors.Is(err, cluster.ErrInvalidConfig), errors.Is(err, cluster.ErrInvalidZoom):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func queryFloat(c *gin.Context, name string) (float64, error) {
	v, err := strconv.ParseFloat(c.Query(name), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}

func getBoundsFromQuery(c *gin.Context) (runner.Bounds, error) {
	var b runner.Bounds
	var err error
	if b.North, err = queryFloat(c, "north"); err != nil {
		return b, err
	}
	if b.South, err = queryFloat(c, "south"); err != nil {
		return b, err
	}
	if b.East, err = queryFloat(c, "east"); err != nil {
		return b, err
	}
	if b.West, err = queryFloat(c, "west"); err != nil {
		return b, err
	}
	return b, nil
}

func (s *Server) handleGetClusters(c *gin.Context, clusterID string) {
	zoom, err := queryInt(c, "zoom")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bounds, err := getBoundsFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.clusters.GetClusters(c.Request.Context(), &runner.GetClustersRequest{
		ClusterID: clusterID,
		Zoom:      zoom,
		Bounds:    bounds,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cluster.FeatureCollection(resp.Clusters))
}

func (s *Server) handleGetMetadata(c *gin.Context, clusterID string) {
	zoom, err := queryInt(c, "zoom")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bounds, err := getBoundsFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.clusters.GetMetadata(c.Request.Context(), &runner.GetMetadataRequest{
		ClusterID: clusterID,
		Zoom:      zoom,
		Bounds:    bounds,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp.Summary)
}

func (s *Server) handleList(c *gin.Context) {
	resp, err := s.clusters.ListClusters(c.Request.Context(), &runner.ListClustersRequest{})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Clusters)
}

type buildRequest struct {
	NumPoints int                          `json:"numPoints"`
	Markers   []cluster.Marker             `json:"markers"`
	Options   *cluster.SuperclusterOptions `json:"options"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req buildRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	resp, err := s.clusters.CreateCluster(c.Request.Context(), &runner.CreateClusterRequest{
		NumPoints: req.NumPoints,
		Markers:   req.Markers,
		Options:   req.Options,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.SetDefaultCluster(resp.Cluster.ID)
	s.logger.Info("created cluster", "cluster_id", resp.Cluster.ID, "markers", resp.Cluster.NumPoints)
	c.JSON(http.StatusOK, resp.Cluster)
}

func (s *Server) handleReload(c *gin.Context, clusterID string) {
	var req buildRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	resp, err := s.clusters.ReloadCluster(c.Request.Context(), &runner.ReloadClusterRequest{
		ClusterID: clusterID,
		NumPoints: req.NumPoints,
		Markers:   req.Markers,
		Options:   req.Options,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.logger.Info("reloaded cluster", "cluster_id", clusterID, "markers", resp.Cluster.NumPoints)
	c.JSON(http.StatusOK, resp.Cluster)
}

func (s *Server) handleLoad(c *gin.Context, clusterID string) {
	resp, err := s.clusters.LoadCluster(c.Request.Context(), &runner.LoadClusterRequest{ClusterID: clusterID})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.SetDefaultCluster(clusterID)
	c.JSON(http.StatusOK, gin.H{
		"message":     "Cluster loaded successfully",
		"clusterInfo": resp.Cluster,
	})
}

func (s *Server) handleChildren(c *gin.Context, clusterID string) {
	zoom, err := queryInt(c, "zoom")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := queryInt(c, "cluster_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.clusters.GetChildren(c.Request.Context(), &runner.GetChildrenRequest{
		ClusterID: clusterID,
		Zoom:      zoom,
		ID:        id,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cluster.FeatureCollection(resp.Children))
}

func (s *Server) handleExpansion(c *gin.Context, clusterID string) {
	zoom, err := queryInt(c, "zoom")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := queryInt(c, "cluster_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.clusters.GetExpansionZoom(c.Request.Context(), &runner.GetExpansionZoomRequest{
		ClusterID: clusterID,
		Zoom:      zoom,
		ID:        id,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"zoom": resp.Zoom})
}
