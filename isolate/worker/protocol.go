package worker

import (
	"time"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/isolate/codec"
)

// Lifecycle events posted by the isolate in addition to the mirrored thread
// events.
const (
	EventReady       = "worker:ready"
	EventError       = "worker:error"
	EventOutputValue = "worker:outputValue"
)

// Commands accepted by the isolate.
const (
	CommandStart       = "start"
	CommandAbort       = "abort"
	CommandOutputValue = "outputValue"
	CommandDispatch    = "dispatch"
	CommandRelease     = "release"
)

// Message is what the isolate posts: a thread event or a lifecycle event,
// with its payload already passed through the codec.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Command is what the controller, or a session client, posts to the isolate.
type Command struct {
	Type string `json:"type"`

	// start
	Input map[string]any `json:"input,omitempty"`

	// outputValue; an empty name asks for the whole output.
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// dispatch
	Event         string `json:"event,omitempty"`
	NodeID        string `json:"nodeId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// encodeEvent flattens a thread event into the payload of a Message.
func encodeEvent(e flow.Event) map[string]any {
	out := map[string]any{"delta": float64(e.Delta) / float64(time.Millisecond)}
	if e.NodeID != "" {
		out["nodeId"] = e.NodeID
	}
	if e.State != "" {
		out["state"] = string(e.State)
	}
	if e.Input != nil {
		out["input"] = codec.Serialize(e.Input, nil)
	}
	if e.Output != nil {
		out["output"] = codec.Serialize(e.Output, nil)
	}
	if e.Err != nil {
		out["error"] = codec.Serialize(e.Err, nil)
	}
	if e.CorrelationID != "" {
		out["correlationId"] = e.CorrelationID
	}
	if e.Data != nil {
		out["data"] = codec.Serialize(e.Data, nil)
	}
	return out
}

// decodeEvent rebuilds a thread event from a Message.
func decodeEvent(m Message) flow.Event {
	e := flow.Event{Name: m.Event}
	data, _ := codec.Deserialize(m.Data).(map[string]any)
	if data == nil {
		return e
	}
	if ms, ok := data["delta"].(float64); ok {
		e.Delta = time.Duration(ms * float64(time.Millisecond))
	}
	e.NodeID, _ = data["nodeId"].(string)
	if s, ok := data["state"].(string); ok {
		e.State = flow.NodeState(s)
	}
	e.Input, _ = data["input"].(map[string]any)
	e.Output, _ = data["output"].(map[string]any)
	e.Err, _ = data["error"].(error)
	e.CorrelationID, _ = data["correlationId"].(string)
	e.Data = data["data"]
	return e
}

// outputReply is the payload of EventOutputValue.
func outputReply(id string, value any, err error) map[string]any {
	out := map[string]any{"id": id, "value": codec.Serialize(value, nil)}
	if err != nil {
		out["error"] = codec.Serialize(err, nil)
	}
	return out
}
