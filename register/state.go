package register

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
)

// Progress is a snapshot of a registration run
type Progress struct {
	Stage     string      `json:"stage"`
	Running   bool        `json:"running"`
	Iteration int         `json:"iteration"`
	Objective float64     `json:"objective"`
	Poses     []mesh.Pose `json:"poses"`
	Shape     []float64   `json:"shape,omitempty"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// StateTracker keeps the latest registration progress for HTTP endpoints.
// It is an Observer, so it can be fed directly by the engine.
type StateTracker struct {
	mu           sync.RWMutex
	progress     Progress
	rotations    []r3.Vec
	translations []r3.Vec
	images       []image.Image
	references   []image.Image
	keepImages   bool
	cachePath    string // path to the progress cache file; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// NewStateTrackerWithCache creates a state tracker that persists finished
// runs to cachePath. A cached snapshot is loaded on creation.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{cachePath: cachePath}
	if cachePath != "" {
		if p, err := LoadProgress(cachePath); err == nil {
			st.progress = *p
			st.progress.Running = false
		}
	}
	return st
}

// KeepImages makes the tracker request renders each iteration and keep the
// latest set along with the references they are compared to.
func (st *StateTracker) KeepImages(references []image.Image) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.keepImages = true
	st.references = references
}

// StartStage marks the beginning of a named registration stage
func (st *StateTracker) StartStage(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.progress.Stage = name
	st.progress.Running = true
	st.progress.Iteration = 0
	st.progress.Error = ""
	st.progress.UpdatedAt = time.Now()
}

// Finish marks the run as done and persists the snapshot
func (st *StateTracker) Finish(err error) {
	st.mu.Lock()
	st.progress.Running = false
	if err != nil {
		st.progress.Error = err.Error()
	}
	st.progress.UpdatedAt = time.Now()
	snapshot := st.snapshotLocked()
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveProgress(&snapshot, cachePath); err != nil {
			log.Printf("warning: failed to save progress cache: %v", err)
		}
	}
}

// Snapshot returns a copy of the current progress
func (st *StateTracker) Snapshot() Progress {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

func (st *StateTracker) snapshotLocked() Progress {
	p := st.progress
	if len(st.rotations) > 0 {
		p.Poses = make([]mesh.Pose, len(st.rotations))
		for i := range st.rotations {
			p.Poses[i].Rotation = st.rotations[i]
			if i < len(st.translations) {
				p.Poses[i].Translation = st.translations[i]
			}
		}
	} else {
		p.Poses = append([]mesh.Pose(nil), p.Poses...)
	}
	p.Shape = append([]float64(nil), p.Shape...)
	return p
}

// LatestImages returns the renders of the last iteration and their references
func (st *StateTracker) LatestImages() (renders, references []image.Image) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]image.Image(nil), st.images...), st.references
}

func (st *StateTracker) BeginSection(Section) {}
func (st *StateTracker) EndSection(Section)   {}

// Iteration implements Observer
func (st *StateTracker) Iteration(iter int, objective float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.progress.Iteration = iter
	st.progress.Objective = objective
	st.progress.UpdatedAt = time.Now()
}

// RotationsChanged implements Observer
func (st *StateTracker) RotationsChanged(r []r3.Vec) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rotations = append(st.rotations[:0], r...)
}

// TranslationsChanged implements Observer
func (st *StateTracker) TranslationsChanged(t []r3.Vec) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.translations = append(st.translations[:0], t...)
}

// ShapeChanged implements Observer
func (st *StateTracker) ShapeChanged(params []float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.progress.Shape = append(st.progress.Shape[:0], params...)
}

// Images implements Observer
func (st *StateTracker) Images() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.keepImages
}

// DownloadImages implements Observer
func (st *StateTracker) DownloadImages(images []image.Image) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.images = append(st.images[:0], images...)
}

// SaveProgress writes a progress snapshot to disk as JSON.
func SaveProgress(p *Progress, path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write progress cache: %w", err)
	}
	return nil
}

// LoadProgress reads a progress snapshot from a JSON file on disk.
func LoadProgress(path string) (*Progress, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read progress cache: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal progress cache: %w", err)
	}
	return &p, nil
}
