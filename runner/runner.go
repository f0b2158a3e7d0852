// Package runner keeps built cluster engines in memory, persists them as
// snapshots and serves queries against them, in process or over gRPC.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"web/mapcluster/cluster"
	"web/mapcluster/config"
	"web/mapcluster/logging"
)

var (
	// ErrUnknownCluster is returned for a cluster id with no snapshot.
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrInvalidRequest is returned for requests that cannot be served.
	ErrInvalidRequest = errors.New("invalid request")
)

var world = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// ClusterService is the operation set served by Runner and Client.
type ClusterService interface {
	CreateCluster(context.Context, *CreateClusterRequest) (*CreateClusterResponse, error)
	ReloadCluster(context.Context, *ReloadClusterRequest) (*ReloadClusterResponse, error)
	LoadCluster(context.Context, *LoadClusterRequest) (*LoadClusterResponse, error)
	ListClusters(context.Context, *ListClustersRequest) (*ListClustersResponse, error)
	GetClusters(context.Context, *GetClustersRequest) (*GetClustersResponse, error)
	GetMetadata(context.Context, *GetMetadataRequest) (*GetMetadataResponse, error)
	GetChildren(context.Context, *GetChildrenRequest) (*GetChildrenResponse, error)
	GetExpansionZoom(context.Context, *GetExpansionZoomRequest) (*GetExpansionZoomResponse, error)
}

// entry is one loaded cluster. Readers take the engine pointer once per
// request; a reload stores a new engine without blocking them.
type entry struct {
	engine     atomic.Pointer[cluster.Supercluster]
	lastAccess atomic.Int64
	file       snapshotFile // guarded by Runner.mu
	reload     sync.Mutex
}

func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
}

// Runner is the in-process ClusterService.
type Runner struct {
	cfg     config.Runner
	options cluster.SuperclusterOptions
	logger  *logging.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	clusters map[string]*entry
	loads    singleflight.Group

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ ClusterService = (*Runner)(nil)

// New creates a runner over cfg.DataDir and starts the idle cleanup loop.
// Call Close to stop it.
func New(cfg config.Runner, options cluster.SuperclusterOptions, logger *logging.Logger, reg prometheus.Registerer) (*Runner, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxClusters < 1 {
		return nil, fmt.Errorf("%w: max clusters must be at least 1", ErrInvalidRequest)
	}
	if logger == nil {
		logger = logging.NoopLogger()
	}

	r := &Runner{
		cfg:      cfg,
		options:  options,
		logger:   logger.WithComponent("runner"),
		metrics:  NewMetrics(reg),
		now:      time.Now,
		clusters: make(map[string]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go r.cleanupLoop()
	return r, nil
}

// Close stops the cleanup loop. Loaded engines stay queryable.
func (r *Runner) Close() error {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
	})
	return nil
}

func (r *Runner) cleanupLoop() {
	defer close(r.done)
	if r.cfg.CleanupInterval.Duration <= 0 || r.cfg.IdleTimeout.Duration <= 0 {
		<-r.stop
		return
	}

	ticker := time.NewTicker(r.cfg.CleanupInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.cleanupIdle()
		}
	}
}

// cleanupIdle drops engines not queried within the idle timeout. Readers
// that already hold an engine finish with it; it is collected afterwards.
func (r *Runner) cleanupIdle() {
	cutoff := r.now().Add(-r.cfg.IdleTimeout.Duration).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.clusters {
		if e.lastAccess.Load() < cutoff {
			delete(r.clusters, id)
			r.metrics.evictions.WithLabelValues("idle").Inc()
			r.logger.Info("evicted idle cluster", "cluster_id", id)
		}
	}
	r.metrics.loaded.Set(float64(len(r.clusters)))
}

// register stores e under id, evicting the least recently used entry when
// the runner is full.
func (r *Runner) register(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[id]; !ok && len(r.clusters) >= r.cfg.MaxClusters {
		var oldestID string
		var oldest int64
		for cid, ce := range r.clusters {
			if t := ce.lastAccess.Load(); oldestID == "" || t < oldest {
				oldestID, oldest = cid, t
			}
		}
		delete(r.clusters, oldestID)
		r.metrics.evictions.WithLabelValues("lru").Inc()
		r.logger.Info("evicted least recently used cluster", "cluster_id", oldestID)
	}

	r.clusters[id] = e
	r.metrics.loaded.Set(float64(len(r.clusters)))
}

// acquire returns the entry for id, loading its snapshot if needed.
// Concurrent loads of one id share a single read.
func (r *Runner) acquire(id string) (*entry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing cluster id", ErrInvalidRequest)
	}

	r.mu.RLock()
	e := r.clusters[id]
	r.mu.RUnlock()
	if e != nil {
		e.touch(r.now())
		return e, nil
	}

	v, err, _ := r.loads.Do(id, func() (interface{}, error) {
		return r.load(id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (r *Runner) load(id string) (*entry, error) {
	r.mu.RLock()
	e := r.clusters[id]
	r.mu.RUnlock()
	if e != nil {
		return e, nil
	}

	start := r.now()
	file, err := findSnapshot(r.cfg.DataDir, id)
	if err != nil {
		return nil, err
	}

	sc, err := cluster.Open(file.Path, r.logger.WithCluster(id))
	r.metrics.observe("load", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster %s: %w", id, err)
	}

	e = &entry{file: file}
	e.engine.Store(sc)
	e.touch(r.now())
	r.register(id, e)

	r.logger.Info("loaded cluster",
		"cluster_id", id,
		"markers", len(sc.Markers),
		"file_size", humanize.Bytes(uint64(file.Size)),
		"duration", time.Since(start))
	return e, nil
}

func (r *Runner) engine(id string) (*cluster.Supercluster, error) {
	e, err := r.acquire(id)
	if err != nil {
		return nil, err
	}
	return e.engine.Load(), nil
}

func (r *Runner) isLoaded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clusters[id]
	return ok
}

// markersFor resolves the markers of a create or reload request.
func markersFor(numPoints int, markers []cluster.Marker) ([]cluster.Marker, error) {
	if len(markers) > 0 {
		return markers, nil
	}
	if numPoints <= 0 {
		return nil, fmt.Errorf("%w: either markers or a positive point count is required", ErrInvalidRequest)
	}
	return cluster.GenerateTestMarkers(numPoints, world, time.Now().UnixNano()), nil
}

// build clusters markers and saves the snapshot under id.
func (r *Runner) build(id string, markers []cluster.Marker, options cluster.SuperclusterOptions) (*cluster.Supercluster, snapshotFile, error) {
	start := r.now()
	sc, err := cluster.Build(markers, options, r.logger.WithCluster(id))
	r.metrics.observe("build", start, err)
	if err != nil {
		return nil, snapshotFile{}, err
	}
	r.metrics.buildPoints.Observe(float64(len(markers)))

	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return nil, snapshotFile{}, fmt.Errorf("failed to create data dir: %w", err)
	}

	name := snapshotName{ID: id, NumPoints: len(markers), Timestamp: r.now().UTC()}
	file := snapshotFile{snapshotName: name, Path: filepath.Join(r.cfg.DataDir, name.filename(cluster.CodecZstd))}

	saveStart := r.now()
	err = sc.Save(file.Path)
	r.metrics.observe("save", saveStart, err)
	if err != nil {
		return nil, snapshotFile{}, fmt.Errorf("failed to save cluster: %w", err)
	}

	fi, err := os.Stat(file.Path)
	if err != nil {
		return nil, snapshotFile{}, fmt.Errorf("failed to get file info: %w", err)
	}
	file.Size = fi.Size()
	r.metrics.snapshotBytes.Add(float64(file.Size))

	r.logger.Info("built cluster",
		"cluster_id", id,
		"markers", len(markers),
		"file", file.Path,
		"file_size", humanize.Bytes(uint64(file.Size)),
		"duration", time.Since(start))
	return sc, file, nil
}

func (r *Runner) CreateCluster(ctx context.Context, req *CreateClusterRequest) (*CreateClusterResponse, error) {
	markers, err := markersFor(req.NumPoints, req.Markers)
	if err != nil {
		return nil, err
	}
	options := r.options
	if req.Options != nil {
		options = *req.Options
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := newClusterID()
	sc, file, err := r.build(id, markers, options)
	if err != nil {
		return nil, err
	}

	e := &entry{file: file}
	e.engine.Store(sc)
	e.touch(r.now())
	r.register(id, e)

	return &CreateClusterResponse{Cluster: file.info(true)}, nil
}

// ReloadCluster rebuilds an existing cluster from new markers and swaps it
// in. Queries running against the previous engine complete against it.
func (r *Runner) ReloadCluster(ctx context.Context, req *ReloadClusterRequest) (*ReloadClusterResponse, error) {
	e, err := r.acquire(req.ClusterID)
	if err != nil {
		return nil, err
	}
	markers, err := markersFor(req.NumPoints, req.Markers)
	if err != nil {
		return nil, err
	}

	e.reload.Lock()
	defer e.reload.Unlock()

	options := e.engine.Load().Options
	if req.Options != nil {
		options = *req.Options
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sc, file, err := r.build(req.ClusterID, markers, options)
	if err != nil {
		return nil, err
	}

	e.engine.Store(sc)
	e.touch(r.now())

	r.mu.Lock()
	old := e.file
	e.file = file
	r.mu.Unlock()
	r.register(req.ClusterID, e)

	if old.Path != "" && old.Path != file.Path {
		if err := os.Remove(old.Path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove replaced snapshot", "cluster_id", req.ClusterID, "file", old.Path, "error", err)
		}
	}

	return &ReloadClusterResponse{Cluster: file.info(true)}, nil
}

func (r *Runner) LoadCluster(ctx context.Context, req *LoadClusterRequest) (*LoadClusterResponse, error) {
	e, err := r.acquire(req.ClusterID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	file := e.file
	r.mu.RUnlock()
	return &LoadClusterResponse{Cluster: file.info(true)}, nil
}

func (r *Runner) ListClusters(ctx context.Context, req *ListClustersRequest) (*ListClustersResponse, error) {
	files, err := listSnapshots(r.cfg.DataDir)
	if err != nil {
		return nil, err
	}

	clusters := make([]ClusterInfo, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		clusters = append(clusters, f.info(r.isLoaded(f.ID)))
	}
	return &ListClustersResponse{Clusters: clusters}, nil
}

func (r *Runner) GetClusters(ctx context.Context, req *GetClustersRequest) (*GetClustersResponse, error) {
	sc, err := r.engine(req.ClusterID)
	if err != nil {
		return nil, err
	}

	start := r.now()
	nodes := sc.GetClusters(req.Bounds.Bound(), req.Zoom)
	r.metrics.observe("get_clusters", start, nil)
	return &GetClustersResponse{Clusters: nodes}, nil
}

func (r *Runner) GetMetadata(ctx context.Context, req *GetMetadataRequest) (*GetMetadataResponse, error) {
	sc, err := r.engine(req.ClusterID)
	if err != nil {
		return nil, err
	}

	start := r.now()
	summary := cluster.CalculateMetadataSummary(sc.GetClusters(req.Bounds.Bound(), req.Zoom))
	r.metrics.observe("get_metadata", start, nil)
	return &GetMetadataResponse{Summary: summary}, nil
}

func (r *Runner) GetChildren(ctx context.Context, req *GetChildrenRequest) (*GetChildrenResponse, error) {
	sc, err := r.engine(req.ClusterID)
	if err != nil {
		return nil, err
	}

	start := r.now()
	children, err := sc.Children(req.Zoom, req.ID)
	r.metrics.observe("get_children", start, err)
	if err != nil {
		return nil, err
	}
	return &GetChildrenResponse{Children: children}, nil
}

func (r *Runner) GetExpansionZoom(ctx context.Context, req *GetExpansionZoomRequest) (*GetExpansionZoomResponse, error) {
	sc, err := r.engine(req.ClusterID)
	if err != nil {
		return nil, err
	}

	start := r.now()
	zoom, err := sc.ExpansionZoom(req.Zoom, req.ID)
	r.metrics.observe("get_expansion_zoom", start, err)
	if err != nil {
		return nil, err
	}
	return &GetExpansionZoomResponse{Zoom: zoom}, nil
}

// Preload opens the newest snapshots, up to MaxClusters, in parallel.
func (r *Runner) Preload(ctx context.Context) error {
	files, err := listSnapshots(r.cfg.DataDir)
	if err != nil {
		return err
	}

	var ids []string
	seen := make(map[string]bool)
	for _, f := range files {
		if !seen[f.ID] && len(ids) < r.cfg.MaxClusters {
			seen[f.ID] = true
			ids = append(ids, f.ID)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := r.acquire(id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.logger.Info("preloaded clusters", "count", len(ids))
	return nil
}
