package nodes

import (
	"context"
	"fmt"
)

// EventKind names a node-originated event as it crosses the worker boundary.
type EventKind string

const (
	EventConsole             EventKind = "consoleOutput"
	EventShaderError         EventKind = "shaderError"
	EventSetPortCount        EventKind = "setPortCount"
	EventSetTitle            EventKind = "setTitle"
	EventSetHidePorts        EventKind = "setHidePorts"
	EventSetDragEnabled      EventKind = "setDragEnabled"
	EventSetVideoOutput      EventKind = "setVideoOutputEnabled"
	EventSendMessageFromNode EventKind = "sendMessageFromNode"
)

// Console levels.
const (
	LevelLog   = "log"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is emitted by a node for the main thread. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind   EventKind `json:"type"`
	NodeID string    `json:"nodeId"`

	Level      string           `json:"level,omitempty"`
	Args       []any            `json:"args,omitempty"`
	LineErrors map[int][]string `json:"lineErrors,omitempty"`

	Inlets  int    `json:"inletCount,omitempty"`
	Outlets int    `json:"outletCount,omitempty"`
	Title   string `json:"title,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`

	Data    any            `json:"data,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Host is what the orchestrator provides to nodes.
type Host interface {
	Emit(ev Event)
	// ResolveVFS asks the main thread for the bytes behind a user:// or
	// obj:// path. It blocks the caller, never the render loop.
	ResolveVFS(ctx context.Context, nodeID, path string) ([]byte, error)
}

func console(h Host, nodeID, level string, args ...any) {
	h.Emit(Event{Kind: EventConsole, NodeID: nodeID, Level: level, Args: args})
}

func shaderError(h Host, nodeID, msg string, lines map[int][]string) {
	h.Emit(Event{Kind: EventShaderError, NodeID: nodeID, Level: LevelError, Args: []any{msg}, LineErrors: lines})
}

func flag(h Host, kind EventKind, nodeID string, on bool) {
	h.Emit(Event{Kind: kind, NodeID: nodeID, Enabled: &on})
}

// NopHost drops every event and fails VFS lookups.
type NopHost struct{}

func (NopHost) Emit(Event) {}

func (NopHost) ResolveVFS(_ context.Context, _, path string) ([]byte, error) {
	return nil, fmt.Errorf("cannot resolve %s: no host", path)
}
