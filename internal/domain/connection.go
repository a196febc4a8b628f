package domain

import (
	"strings"
)

// PcID is the server-assigned identifier of a negotiated connection.
type PcID string

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Purpose tags a send connection with what it carries.
type Purpose string

const (
	PurposeNone   Purpose = ""
	PurposeCamera Purpose = "camera"
	PurposeScreen Purpose = "screen"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// Publisher identifies one remote participant's published media.
// It is the unit of subscribe and unsubscribe.
type Publisher struct {
	UID  UserID    `json:"uid"`
	PcID PcID      `json:"pcid,omitempty"`
	Mid  string    `json:"mid,omitempty"`
	Kind MediaKind `json:"type"`
}

// Key is stable for equal descriptors and is used for set matching.
func (p Publisher) Key() string {
	return strings.Join([]string{string(p.UID), string(p.PcID), p.Mid, string(p.Kind)}, "/")
}
