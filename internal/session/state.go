package session

import (
	"encoding/json"
	"time"

	"github.com/vncd/server/internal/framebuffer"
	"github.com/vncd/server/internal/update"
)

type State int

const (
	Uninitialized State = iota
	Initialized
	Connected
	Running
)

var stateNames = map[State]string{
	Uninitialized: "uninitialized",
	Initialized:   "initialized",
	Connected:     "connected",
	Running:       "running",
}

var stateFromName = map[string]State{
	"uninitialized": Uninitialized,
	"initialized":   Initialized,
	"connected":     Connected,
	"running":       Running,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// transitions lists the allowed edges of the connection lifecycle. Reset
// into Initialized is legal from every state and handled separately.
var transitions = map[State][]State{
	Initialized: {Connected},
	Connected:   {Running},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to State) bool {
	if to == Initialized {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is a copy of a session's observable state, safe to retain and
// serialize.
type Snapshot struct {
	Display      int                      `json:"display"`
	State        State                    `json:"state"`
	Port         int                      `json:"port"`
	ConnectionID string                   `json:"connectionId,omitempty"`
	RemoteAddr   string                   `json:"remoteAddr,omitempty"`
	ConnectedAt  *time.Time               `json:"connectedAt,omitempty"`
	Generation   uint64                   `json:"generation"`
	Connections  uint64                   `json:"connections"`
	Framebuffer  framebuffer.Rect         `json:"framebuffer"`
	PixelFormat  *framebuffer.PixelFormat `json:"pixelFormat,omitempty"`
	Encodings    []int32                  `json:"encodings,omitempty"`
	Queue        update.Stats             `json:"queue"`
	CaptureReady bool                     `json:"captureReady"`
}

// Clone returns a deep copy so the copy can be mutated independently.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		c.ConnectedAt = &t
	}
	if s.PixelFormat != nil {
		pf := *s.PixelFormat
		c.PixelFormat = &pf
	}
	if len(s.Encodings) > 0 {
		c.Encodings = append([]int32(nil), s.Encodings...)
	}
	return &c
}

// IsActive reports whether a client currently occupies the display.
func (s *Snapshot) IsActive() bool {
	return s.State == Connected || s.State == Running
}
