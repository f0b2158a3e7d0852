package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"web/mapcluster/cluster"
)

const timestampLayout = "20060102-150405"

// snapshotName describes a file named
// cluster-{numPoints}p-{yyyymmdd}-{hhmmss}-{id}{ext}.
type snapshotName struct {
	ID        string
	NumPoints int
	Timestamp time.Time
}

// newClusterID returns the short id used in snapshot file names.
func newClusterID() string {
	return uuid.New().String()[:8]
}

func (n snapshotName) filename(codec cluster.Codec) string {
	return fmt.Sprintf("cluster-%dp-%s-%s%s", n.NumPoints, n.Timestamp.Format(timestampLayout), n.ID, codec.Extension())
}

// parseSnapshotName reverses filename. Names that do not match are
// reported with ok == false.
func parseSnapshotName(name string) (snapshotName, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "-")
	if len(parts) != 5 || parts[0] != "cluster" || !strings.HasSuffix(parts[1], "p") {
		return snapshotName{}, false
	}

	numPoints, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
	if err != nil || numPoints < 0 {
		return snapshotName{}, false
	}
	ts, err := time.ParseInLocation(timestampLayout, parts[2]+"-"+parts[3], time.UTC)
	if err != nil || parts[4] == "" {
		return snapshotName{}, false
	}
	return snapshotName{ID: parts[4], NumPoints: numPoints, Timestamp: ts}, true
}

type snapshotFile struct {
	snapshotName
	Path string
	Size int64
}

func (f snapshotFile) info(loaded bool) ClusterInfo {
	return ClusterInfo{
		ID:        f.ID,
		NumPoints: f.NumPoints,
		Timestamp: f.Timestamp.Format(time.RFC3339),
		FileSize:  f.Size,
		Loaded:    loaded,
	}
}

// listSnapshots returns the snapshots in dir, newest first. A missing
// directory holds no snapshots.
func listSnapshots(dir string) ([]snapshotFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read clusters directory: %w", err)
	}

	var files []snapshotFile
	for _, e := range entries {
		if e.IsDir() || strings.Contains(e.Name(), ".tmp-") {
			continue
		}
		name, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, snapshotFile{
			snapshotName: name,
			Path:         filepath.Join(dir, e.Name()),
			Size:         fi.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].Timestamp.Equal(files[j].Timestamp) {
			return files[i].Timestamp.After(files[j].Timestamp)
		}
		return files[i].ID < files[j].ID
	})
	return files, nil
}

// findSnapshot returns the newest snapshot for id.
func findSnapshot(dir, id string) (snapshotFile, error) {
	files, err := listSnapshots(dir)
	if err != nil {
		return snapshotFile{}, err
	}
	for _, f := range files {
		if f.ID == id {
			return f, nil
		}
	}
	return snapshotFile{}, fmt.Errorf("%w: no snapshot for %q", ErrUnknownCluster, id)
}
