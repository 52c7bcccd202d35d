// Package metrics holds the per-project keystroke aggregates and their wire
// representation.
package metrics

import "sort"

// UnknownLines marks a FileMetrics whose line count has not been seeded.
const UnknownLines int64 = -1

// FileMetrics are the counters accumulated for one file within one window.
type FileMetrics struct {
	KeysAdded     int64
	KeysDeleted   int64
	PasteCount    int64
	OpenCount     int64
	CloseCount    int64
	CurrentLength int64
	LineCount     int64
	LinesAdded    int64
	NetKeys       int64
	TotalKeys     int64
}

// NewFileMetrics returns zeroed counters with an unknown line count.
func NewFileMetrics() *FileMetrics {
	return &FileMetrics{LineCount: UnknownLines}
}

// AddKeys records n single-character insertions.
func (f *FileMetrics) AddKeys(n int64) {
	f.KeysAdded += n
	f.recompute()
}

// DeleteKeys records n deleted characters.
func (f *FileMetrics) DeleteKeys(n int64) {
	f.KeysDeleted += n
	f.recompute()
}

func (f *FileMetrics) recompute() {
	f.NetKeys = f.KeysAdded - f.KeysDeleted
	f.TotalKeys = f.KeysAdded + f.KeysDeleted
}

// LinesKnown reports whether the line count has been seeded.
func (f *FileMetrics) LinesKnown() bool {
	return f.LineCount >= 0
}

// HasActivity reports whether anything worth reporting happened to the file.
func (f *FileMetrics) HasActivity() bool {
	return f.TotalKeys > 0 || f.OpenCount > 0 || f.CloseCount > 0 || f.PasteCount > 0
}

// Project identifies the workspace a file belongs to.
type Project struct {
	Name      string
	Directory string
}

// Patch fills empty identity fields from name and dir. A non-empty field is
// never replaced by an empty value.
func (p *Project) Patch(name, dir string) {
	if name != "" && p.Name == "" {
		p.Name = name
	}
	if dir != "" && p.Directory == "" {
		p.Directory = dir
	}
}

// ProjectMetrics aggregates one project's files over the current window.
// Window bounds are seconds since the Unix epoch.
type ProjectMetrics struct {
	Project     Project
	Files       map[string]*FileMetrics
	EventCount  int64
	WindowStart int64
	WindowEnd   int64
}

// NewProjectMetrics returns an empty aggregate whose window opens at start.
func NewProjectMetrics(p Project, start int64) *ProjectMetrics {
	return &ProjectMetrics{
		Project:     p,
		Files:       make(map[string]*FileMetrics),
		WindowStart: start,
	}
}

// File returns the counters for path, creating them on first use.
func (m *ProjectMetrics) File(path string) *FileMetrics {
	f, ok := m.Files[path]
	if !ok {
		f = NewFileMetrics()
		m.Files[path] = f
	}
	return f
}

// HasActivity reports whether any file in the window has activity.
func (m *ProjectMetrics) HasActivity() bool {
	for _, f := range m.Files {
		if f.HasActivity() {
			return true
		}
	}
	return false
}

// Reset clears all counters and opens a new window at now. The project
// identity is kept.
func (m *ProjectMetrics) Reset(now int64) {
	m.Files = make(map[string]*FileMetrics)
	m.EventCount = 0
	m.WindowStart = now
	m.WindowEnd = 0
}

// Paths returns the tracked file paths in sorted order.
func (m *ProjectMetrics) Paths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a deep copy.
func (m *ProjectMetrics) Clone() *ProjectMetrics {
	c := *m
	c.Files = make(map[string]*FileMetrics, len(m.Files))
	for p, f := range m.Files {
		fc := *f
		c.Files[p] = &fc
	}
	return &c
}
