package worker

import (
	"image"

	"github.com/patchies/gopatchies/audio"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/readback"
)

// MessageKind names a request from the main thread.
type MessageKind string

const (
	MsgBuildRenderGraph   MessageKind = "buildRenderGraph"
	MsgUpdateNodeData     MessageKind = "updateNodeData"
	MsgSetUniformData     MessageKind = "setUniformData"
	MsgRemoveUniformData  MessageKind = "removeUniformData"
	MsgSetBitmap          MessageKind = "setBitmap"
	MsgRemoveBitmap       MessageKind = "removeBitmap"
	MsgSetPreviewEnabled  MessageKind = "setPreviewEnabled"
	MsgSetPreviewSize     MessageKind = "setPreviewSize"
	MsgSetOutputSize      MessageKind = "setOutputSize"
	MsgSetOutputEnabled   MessageKind = "setOutputEnabled"
	MsgSetScreenSize      MessageKind = "setScreenSize"
	MsgSetVisibleNodes    MessageKind = "setVisibleNodes"
	MsgSendMessageToNode  MessageKind = "sendMessageToNode"
	MsgToggleNodePause    MessageKind = "toggleNodePause"
	MsgStartAnimation     MessageKind = "startAnimation"
	MsgStopAnimation      MessageKind = "stopAnimation"
	MsgSetFFTData         MessageKind = "setFFTData"
	MsgSetMouse           MessageKind = "setMouse"
	MsgRequestVideoFrames MessageKind = "requestVideoFrames"
	MsgCaptureOutput      MessageKind = "captureOutput"
	MsgResolveVfsUrlReply MessageKind = "resolveVfsUrlReply"
)

// Message is one request to the render worker. Only the fields relevant to
// Kind are read.
type Message struct {
	Kind   MessageKind `json:"type"`
	NodeID string      `json:"nodeId,omitempty"`

	Graph *graph.RenderGraph `json:"graph,omitempty"`
	Data  map[string]any     `json:"data,omitempty"`

	UniformName  string `json:"uniformName,omitempty"`
	UniformValue any    `json:"uniformValue,omitempty"`

	// Bitmap is top row first and owned by the worker once posted.
	Bitmap *image.RGBA `json:"-"`

	Enabled bool     `json:"enabled,omitempty"`
	Width   int      `json:"width,omitempty"`
	Height  int      `json:"height,omitempty"`
	NodeIDs []string `json:"nodeIds,omitempty"`

	Message any               `json:"message,omitempty"`
	Meta    nodes.MessageMeta `json:"meta"`

	FFT      *audio.FFTPayload       `json:"-"`
	Mouse    [4]float32              `json:"mouse"`
	Requests []readback.FrameRequest `json:"requests,omitempty"`

	RequestID string `json:"requestId,omitempty"`
	VFSData   []byte `json:"-"`
	VFSError  string `json:"error,omitempty"`
}

// Event kinds the worker adds to those nodes emit.
const (
	EventAnimationFrame nodes.EventKind = "animationFrame"
	EventPreviewFrame   nodes.EventKind = "previewFrame"
	EventVideoFrames    nodes.EventKind = "videoFrames"
	EventResolveVfsUrl  nodes.EventKind = "resolveVfsUrl"
	EventCaptured       nodes.EventKind = "captured"
	EventPauseState     nodes.EventKind = "pauseState"
)

// Event is one notification for the main thread.
type Event struct {
	nodes.Event

	Frame  int         `json:"frame,omitempty"`
	Image  *image.RGBA `json:"-"`
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`

	VideoFrames []readback.VideoFrame `json:"-"`

	RequestID string `json:"requestId,omitempty"`
	Path      string `json:"path,omitempty"`
	Err       error  `json:"-"`
}
