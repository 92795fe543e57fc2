package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"taskline/internal/domain"
)

const defaultFileName = "tasks.json"

// Store persists the full project graph as one JSON document.
type Store struct {
	Path string
}

// State is the loaded root: every project plus the two identifier watermarks.
// The watermarks are recomputed from the stored identifiers on each load and
// are never persisted, so they cannot drift from the data.
type State struct {
	Projects []domain.Project

	projectWatermark int
	taskWatermark    int
}

type rootDocument struct {
	Projects []domain.Project `json:"projects"`
}

// DefaultPath returns the store file path inside a workspace.
func DefaultPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".taskline", defaultFileName)
}

// Load reads the backing file. A missing, unreadable, or structurally invalid
// file yields an empty root so a first run needs no setup; anything beyond
// that fallback is not tolerated.
func (s Store) Load() *State {
	st := &State{Projects: []domain.Project{}}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return st
	}
	var doc rootDocument
	if err := json.Unmarshal(data, &doc); err != nil || doc.Projects == nil {
		return st
	}
	st.Projects = doc.Projects
	st.recoverWatermarks()
	return st
}

// Save writes the full state, creating the containing directory on first use.
// The document lands in a temporary file and is renamed into place so the
// store is never observed half-written. Write failures surface to the caller
// with the cause intact; nothing is retried.
func (s Store) Save(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return domain.WrapError(domain.CodeStorageFailure, err, "create store directory")
	}
	doc := rootDocument{Projects: st.Projects}
	if doc.Projects == nil {
		doc.Projects = []domain.Project{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return domain.WrapError(domain.CodeStorageFailure, err, "encode store document")
	}
	tmpPath := s.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return domain.WrapError(domain.CodeStorageFailure, err, "write store file")
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		return domain.WrapError(domain.CodeStorageFailure, err, "replace store file")
	}
	return nil
}

// Project returns a pointer into the state for in-place mutation.
func (st *State) Project(id string) (*domain.Project, bool) {
	for i := range st.Projects {
		if st.Projects[i].ID == id {
			return &st.Projects[i], true
		}
	}
	return nil, false
}

// NextProjectID allocates the next project identifier. The watermark moves
// immediately so repeated allocations in one operation never collide.
func (st *State) NextProjectID() string {
	st.projectWatermark++
	return domain.ProjectID(st.projectWatermark)
}

// NextTaskID allocates the next task identifier.
func (st *State) NextTaskID() string {
	st.taskWatermark++
	return domain.TaskID(st.taskWatermark)
}

func (st *State) recoverWatermarks() {
	for _, p := range st.Projects {
		if n, ok := domain.ProjectIDNumber(p.ID); ok && n > st.projectWatermark {
			st.projectWatermark = n
		}
		for _, t := range p.Tasks {
			if n, ok := domain.TaskIDNumber(t.ID); ok && n > st.taskWatermark {
				st.taskWatermark = n
			}
		}
	}
}
