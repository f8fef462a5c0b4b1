// Package decoder normalizes the exchange's object-or-array message shape
// into a flat sequence the rest of the pipeline can consume uniformly.
package decoder

import (
	"encoding/json"
	"log/slog"
)

// Notification is one decoded item from a frame's message field, e.g.
// {"action": "notify", "eventname": "ActiveCallStatus", "eventbody": [...]}.
type Notification struct {
	Action    string          `json:"action"`
	EventName string          `json:"eventname"`
	EventBody json.RawMessage `json:"eventbody"`
}

// ExtensionStatusEntry is one item of an ExtensionStatus notification's
// eventbody.
type ExtensionStatusEntry struct {
	Extension string `json:"extension"`
	Status    string `json:"status"`
}

// ChannelEntry is one item of an ActiveCallStatus notification's eventbody,
// carrying the fields the correlator needs. Unknown fields are ignored.
type ChannelEntry struct {
	ChanType          string `json:"chantype"` // "unbridge" | "bridge"
	Action            string `json:"action"`   // "add" | "update" | "delete"
	Channel           string `json:"channel"`
	Channel1          string `json:"channel1"`
	Channel2          string `json:"channel2"`
	State             string `json:"state"`
	CallerNum         string `json:"callernum"`
	ConnectedNum      string `json:"connectednum"`
	ConnectedName     string `json:"connectedname"`
	CallerID1         string `json:"callerid1"`
	CallerID2         string `json:"callerid2"`
	Name1             string `json:"name1"`
	Name2             string `json:"name2"`
	LinkedID          string `json:"linkedid"`
	InboundTrunkName  string `json:"inbound_trunk_name"`
	OutboundTrunkName string `json:"outbound_trunk_name"`
	BridgeTime        string `json:"bridge_time"`
	UniqueID          string `json:"uniqueid"`
}

// Handler receives decoded notifications from Decode.
type Handler interface {
	HandleExtensionStatus(entries []ExtensionStatusEntry)
	HandleActiveCallStatus(entries []ChannelEntry)
}

// Decode parses a frame's top-level "message" field, which may be a single
// JSON object or an array of objects, and dispatches each item whose
// action is "notify" to the handler based on its eventname. Non-notify
// items and unrecognized event names are ignored. Malformed frames are
// logged (first 200 characters) and discarded rather than torn down.
func Decode(raw json.RawMessage, handler Handler) {
	items := normalizeToList(raw)

	for _, item := range items {
		var note Notification
		if err := json.Unmarshal(item, &note); err != nil {
			logDecodeError("notification", item, err)
			continue
		}
		if note.Action != "notify" {
			continue
		}

		switch note.EventName {
		case "ExtensionStatus":
			entries := decodeEventBody[ExtensionStatusEntry](note.EventBody)
			handler.HandleExtensionStatus(entries)
		case "ActiveCallStatus":
			entries := decodeEventBody[ChannelEntry](note.EventBody)
			handler.HandleActiveCallStatus(entries)
		}
	}
}

// normalizeToList handles the single-object-or-array polymorphism of both
// the frame's "message" field and each notification's "eventbody" field.
func normalizeToList(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	// Not an array: treat the whole value as a single item, unless it's
	// JSON null.
	trimmed := trimSpace(raw)
	if string(trimmed) == "null" {
		return nil
	}
	return []json.RawMessage{raw}
}

func decodeEventBody[T any](raw json.RawMessage) []T {
	var out []T
	for _, item := range normalizeToList(raw) {
		var entries []T
		if err := json.Unmarshal(item, &entries); err == nil {
			out = append(out, entries...)
			continue
		}
		var single T
		if err := json.Unmarshal(item, &single); err == nil {
			out = append(out, single)
			continue
		}
		logDecodeError("eventbody", item, nil)
	}
	return out
}

func trimSpace(b json.RawMessage) json.RawMessage {
	start, end := 0, len(b)
	for start < end && isJSONSpace(b[start]) {
		start++
	}
	for end > start && isJSONSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func logDecodeError(what string, raw json.RawMessage, err error) {
	s := string(raw)
	if len(s) > 200 {
		s = s[:200]
	}
	slog.Warn("decoder: discarding malformed frame", "what", what, "error", err, "snippet", s)
}
