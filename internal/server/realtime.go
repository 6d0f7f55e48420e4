package server

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/realtime"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
)

// Frames a live client may send.
const (
	FrameHeartbeat    = "heartbeat"
	FrameResync       = "resync"
	FrameLayerCreate  = "layer.create"
	FrameLayerUpdate  = "layer.update"
	FrameLayerDelete  = "layer.delete"
	FrameLayerReorder = "layer.reorder"
	FrameSchemeUpdate = "scheme.update"
)

// Frames the server sends.
const (
	FrameState          = "state"
	FrameResumed        = "resumed"
	FrameEvent          = "event"
	FrameResyncRequired = "resync_required"
	FrameAck            = "ack"
	FrameRejected       = "rejected"
	FrameEvicted        = "evicted"
)

// InboundFrame is a client frame. Data carries the operation body: a new layer, a layer
// patch, a scheme patch, or {"order":[...]}.
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	LayerID   string          `json:"layer_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is a server frame.
type OutboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	SchemeID  string          `json:"scheme_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Replayed  int             `json:"replayed,omitempty"`
	Event     *realtime.Event `json:"event,omitempty"`
	State     *schemes.State  `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

func stateFrame(session *realtime.Session, state schemes.State, requestID string) OutboundFrame {
	return OutboundFrame{
		Type:      FrameState,
		RequestID: requestID,
		SessionID: session.ID(),
		SchemeID:  session.SchemeID(),
		Sequence:  state.Sequence,
		State:     &state,
	}
}

func ackFrame(requestID string, event *realtime.Event, sequence int64) OutboundFrame {
	frame := OutboundFrame{Type: FrameAck, RequestID: requestID, Sequence: sequence}
	if event != nil {
		frame.EventID = event.ID
	}
	return frame
}

func rejectedFrame(requestID string, err error) OutboundFrame {
	_, code := statusFor(err)
	frame := OutboundFrame{Type: FrameRejected, RequestID: requestID, Error: code}
	if code != string(apperrors.KindNotFound) && code != "internal" {
		frame.Reason = apperrors.ReasonOf(err)
	}
	return frame
}

// messageFrame converts a session message; ok is false for messages with nothing to send.
func messageFrame(message realtime.Message) (OutboundFrame, bool) {
	switch message.Kind {
	case realtime.MessageEvent:
		if message.Event == nil {
			return OutboundFrame{}, false
		}
		return OutboundFrame{Type: FrameEvent, SchemeID: message.SchemeID, Event: message.Event}, true
	case realtime.MessageResyncRequired:
		return OutboundFrame{Type: FrameResyncRequired, SchemeID: message.SchemeID}, true
	case realtime.MessageEvicted:
		return OutboundFrame{Type: FrameEvicted, SchemeID: message.SchemeID, Reason: message.Reason}, true
	default:
		return OutboundFrame{}, false
	}
}

func decodeFrameData(op string, raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return apperrors.New(apperrors.KindInvalid, op, "missing_data")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apperrors.Wrap(apperrors.KindInvalid, op, "malformed_frame", err)
	}
	return nil
}
