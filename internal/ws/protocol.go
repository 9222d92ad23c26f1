package ws

import (
	"github.com/vncd/server/internal/monitor"
	"github.com/vncd/server/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgHealth   MessageType = "health"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload carries the state of every registered display.
type SnapshotPayload struct {
	Displays    []*session.Snapshot `json:"displays"`
	ActiveCount int                 `json:"activeCount"`
}

// DeltaPayload carries the latest snapshot of each display that changed
// since the previous flush, ordered by display.
type DeltaPayload struct {
	Updates     []*session.Snapshot `json:"updates"`
	ActiveCount int                 `json:"activeCount"`
}

type HealthPayload struct {
	Health monitor.DisplayHealth `json:"health"`
}
