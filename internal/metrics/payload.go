package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	// EventType is the "type" field of every payload.
	EventType = "Events"
	// WindowSeconds is the nominal length of an aggregation window.
	WindowSeconds = 60
)

// Payload is the JSON document reported for one project window.
type Payload struct {
	Type     string                 `json:"type"`
	PluginID int                    `json:"pluginId"`
	Source   map[string]FilePayload `json:"source"`
	Data     string                 `json:"data"`
	Start    int64                  `json:"start"`
	End      int64                  `json:"end"`
	Project  ProjectPayload         `json:"project"`
	Version  string                 `json:"version"`
}

// FilePayload is the per-file entry of Payload.Source.
type FilePayload struct {
	Keys       int64 `json:"keys"`
	Paste      int64 `json:"paste"`
	Open       int64 `json:"open"`
	Close      int64 `json:"close"`
	Delete     int64 `json:"delete"`
	Add        int64 `json:"add"`
	NetKeys    int64 `json:"netkeys"`
	Length     int64 `json:"length"`
	Lines      int64 `json:"lines"`
	LinesAdded int64 `json:"linesAdded"`
}

// ProjectPayload is the project identity as sent on the wire.
type ProjectPayload struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
}

// Payload builds the wire document for the current window.
func (m *ProjectMetrics) Payload(pluginID int, version string) Payload {
	src := make(map[string]FilePayload, len(m.Files))
	for path, f := range m.Files {
		lines := f.LineCount
		if lines < 0 {
			lines = 0
		}
		src[path] = FilePayload{
			Keys:       f.TotalKeys,
			Paste:      f.PasteCount,
			Open:       f.OpenCount,
			Close:      f.CloseCount,
			Delete:     f.KeysDeleted,
			Add:        f.KeysAdded,
			NetKeys:    f.NetKeys,
			Length:     f.CurrentLength,
			Lines:      lines,
			LinesAdded: f.LinesAdded,
		}
	}
	return Payload{
		Type:     EventType,
		PluginID: pluginID,
		Source:   src,
		Data:     strconv.FormatInt(m.EventCount, 10),
		Start:    m.WindowStart,
		End:      m.WindowEnd,
		Project: ProjectPayload{
			Name:      m.Project.Name,
			Directory: m.Project.Directory,
		},
		Version: version,
	}
}

// ErrInvalidPayload is returned by ParsePayload for documents that are not
// event payloads.
var ErrInvalidPayload = errors.New("invalid payload")

// ParsePayload decodes a serialized payload.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.Type != EventType {
		return Payload{}, fmt.Errorf("%w: type %q", ErrInvalidPayload, p.Type)
	}
	return p, nil
}
