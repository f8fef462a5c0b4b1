// Package correlator implements the call-state machine that turns a stream
// of per-channel exchange notifications into logical calls: it tracks which
// channels belong together, classifies each call's direction, and drives the
// active-calls view, the call-history log, and the event fan-out from a
// single goroutine.
package correlator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ucmmonitor/ucmmonitor/internal/decoder"
)

// timestampLayout matches the exchange's bridge_time field format.
const timestampLayout = "2006-01-02 15:04:05"

// EventType names the kind of Event published to subscribers.
type EventType string

const (
	EventRing     EventType = "ring"
	EventConnect  EventType = "connect"
	EventHangup   EventType = "hangup"
	EventPresence EventType = "presence"
)

// Event is one fan-out item. Data is JSON-marshalable and carries whatever
// payload is appropriate for Type.
type Event struct {
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	Data          any       `json:"data"`
}

// PresenceUpdate is the Data payload of an EventPresence event.
type PresenceUpdate struct {
	Extension string `json:"extension"`
	Status    string `json:"status"`
}

// CallSnapshot is the public, JSON-serializable shape of an active call.
type CallSnapshot struct {
	CorrelationID string    `json:"correlation_id"`
	State         string    `json:"state"`
	External      string    `json:"external_number"`
	ExternalName  string    `json:"external_name,omitempty"`
	Extensions    []string  `json:"extensions"`
	BridgeTime    time.Time `json:"bridge_time,omitempty"`
}

// CallLogWriter is the persistence surface the Correlator drives. It is
// satisfied by database.CallLogRepository without an explicit import so the
// correlator stays decoupled from the storage package.
type CallLogWriter interface {
	InsertInboundRing(ctx context.Context, correlationID, externalNumber string, at time.Time) (int64, error)
	MarkInboundAnswered(ctx context.Context, correlationID, internalExt, internalName string) error
	InsertOutbound(ctx context.Context, correlationID string, bridgeTime time.Time, externalNumber, internalExt, internalName string) (int64, error)
	InsertOutboundRing(ctx context.Context, correlationID, externalNumber, internalExt string, at time.Time) (int64, error)
	MarkOutboundAnswered(ctx context.Context, correlationID, internalName string) error
	Finalize(ctx context.Context, correlationID string, bridgeTime *time.Time, now time.Time) error
}

// ActiveCallStore is the cross-task surface the Correlator writes through;
// it is satisfied by activestate.Store.
type ActiveCallStore interface {
	Upsert(snapshot CallSnapshot)
	Remove(correlationID string)
	SetPresence(extension, status string)
	Reset()
}

// Publisher is the fan-out surface the Correlator publishes through; it is
// satisfied by fanout.Registry.
type Publisher interface {
	Publish(event Event)
}

type callState int

const (
	stateRinging callState = iota
	stateConnected
)

type callRecord struct {
	correlationID string
	state         callState
	external      string
	externalName  string
	extensions    []string
	bridgeTime    time.Time
}

func (r *callRecord) addExtension(ext string) {
	if ext == "" {
		return
	}
	for _, e := range r.extensions {
		if e == ext {
			return
		}
	}
	r.extensions = append(r.extensions, ext)
}

func (r *callRecord) snapshot() CallSnapshot {
	exts := make([]string, len(r.extensions))
	copy(exts, r.extensions)
	state := "ringing"
	if r.state == stateConnected {
		state = "connected"
	}
	return CallSnapshot{
		CorrelationID: r.correlationID,
		State:         state,
		External:      r.external,
		ExternalName:  r.externalName,
		Extensions:    exts,
		BridgeTime:    r.bridgeTime,
	}
}

// Correlator owns every piece of in-memory call state. It is driven
// exclusively by the background task that also owns the exchange RPC
// client, so none of its own state needs locking — only the ActiveCallStore
// and Publisher surfaces it writes through cross into the HTTP task.
type Correlator struct {
	ctx context.Context

	writer    CallLogWriter
	store     ActiveCallStore
	publisher Publisher

	channelToCorrelation   map[string]string
	correlationToChannels  map[string]map[string]struct{}
	calls                  map[string]*callRecord
	inboundSet             map[string]struct{}
	// metadata tracks, per correlation id with a call_log row, the bridge
	// time once known (nil until answered). Presence as a key means a row
	// exists and is awaiting Finalize.
	metadata map[string]*time.Time
}

// New creates a Correlator. ctx is used for the lifetime of all call-history
// writes; cancel it to stop outstanding writes at shutdown.
func New(ctx context.Context, writer CallLogWriter, store ActiveCallStore, publisher Publisher) *Correlator {
	return &Correlator{
		ctx:                   ctx,
		writer:                writer,
		store:                 store,
		publisher:             publisher,
		channelToCorrelation:  make(map[string]string),
		correlationToChannels: make(map[string]map[string]struct{}),
		calls:                 make(map[string]*callRecord),
		inboundSet:            make(map[string]struct{}),
		metadata:              make(map[string]*time.Time),
	}
}

var _ decoder.Handler = (*Correlator)(nil)

// Reset wipes all in-memory state after a transport failure. Rows already
// written to the call log are left exactly as they are: an answered call
// whose hangup was never observed keeps duration=0 permanently, which is
// the documented behavior for a session lost mid-call.
func (c *Correlator) Reset() {
	c.channelToCorrelation = make(map[string]string)
	c.correlationToChannels = make(map[string]map[string]struct{})
	c.calls = make(map[string]*callRecord)
	c.inboundSet = make(map[string]struct{})
	c.metadata = make(map[string]*time.Time)
	c.store.Reset()
	slog.Info("correlator: state reset after transport failure")
}

// HandleExtensionStatus implements decoder.Handler.
func (c *Correlator) HandleExtensionStatus(entries []decoder.ExtensionStatusEntry) {
	for _, e := range entries {
		if e.Extension == "" {
			continue
		}
		c.store.SetPresence(e.Extension, e.Status)
		c.publisher.Publish(Event{
			Type: EventPresence,
			Data: PresenceUpdate{Extension: e.Extension, Status: e.Status},
		})
	}
}

// HandleActiveCallStatus implements decoder.Handler.
func (c *Correlator) HandleActiveCallStatus(entries []decoder.ChannelEntry) {
	for _, e := range sortTrunkFirst(entries) {
		switch e.ChanType {
		case "unbridge":
			c.handleUnbridge(e)
		case "bridge":
			c.handleBridge(e)
		}
	}
}

// sortTrunkFirst places entries carrying an inbound trunk name first so the
// InboundCorrelationSet is populated before any extension-side channel of
// the same call is examined.
func sortTrunkFirst(entries []decoder.ChannelEntry) []decoder.ChannelEntry {
	out := make([]decoder.ChannelEntry, 0, len(entries))
	var rest []decoder.ChannelEntry
	for _, e := range entries {
		if e.InboundTrunkName != "" {
			out = append(out, e)
		} else {
			rest = append(rest, e)
		}
	}
	return append(out, rest...)
}

func (c *Correlator) handleUnbridge(e decoder.ChannelEntry) {
	switch e.Action {
	case "add", "update":
		if e.State == "Ring" || e.State == "Ringing" {
			c.handleUnbridgeRing(e)
		}
	case "delete":
		c.handleUnbridgeDelete(e)
	}
}

func (c *Correlator) handleUnbridgeRing(e decoder.ChannelEntry) {
	corrID := e.LinkedID
	if corrID == "" && e.Channel != "" {
		corrID = c.channelToCorrelation[e.Channel]
	}
	if corrID == "" {
		return
	}
	if e.Channel != "" {
		c.indexChannel(e.Channel, corrID)
	}

	if e.InboundTrunkName != "" {
		c.inboundSet[corrID] = struct{}{}
		return
	}

	if _, isInbound := c.inboundSet[corrID]; !isInbound {
		if e.OutboundTrunkName != "" {
			c.handleOutboundRing(corrID, e)
		}
		return
	}

	if rec, exists := c.calls[corrID]; exists {
		if rec.state == stateRinging {
			rec.addExtension(e.CallerNum)
			c.store.Upsert(rec.snapshot())
		}
		return
	}

	rec := &callRecord{
		correlationID: corrID,
		state:         stateRinging,
		external:      e.ConnectedNum,
		externalName:  e.ConnectedName,
		extensions:    []string{e.CallerNum},
	}
	c.calls[corrID] = rec
	c.store.Upsert(rec.snapshot())
	c.publisher.Publish(Event{Type: EventRing, CorrelationID: corrID, Data: rec.snapshot()})

	if _, err := c.writer.InsertInboundRing(c.ctx, corrID, rec.external, time.Now()); err != nil {
		slog.Error("correlator: insert inbound ring failed", "correlation_id", corrID, "error", err)
	}
	c.metadata[corrID] = nil
}

// handleOutboundRing records visibility for an outbound attempt that has
// rung the trunk but not yet been confirmed bridged. This is additive: the
// original inbound-only-at-ring behavior is unaffected.
func (c *Correlator) handleOutboundRing(corrID string, e decoder.ChannelEntry) {
	if _, tracked := c.metadata[corrID]; tracked {
		return
	}
	external, internalExt := e.ConnectedNum, e.CallerNum
	if external == "" {
		return
	}
	if _, err := c.writer.InsertOutboundRing(c.ctx, corrID, external, internalExt, time.Now()); err != nil {
		slog.Error("correlator: insert outbound ring failed", "correlation_id", corrID, "error", err)
	}
	c.metadata[corrID] = nil
}

func (c *Correlator) handleUnbridgeDelete(e decoder.ChannelEntry) {
	if e.Channel == "" {
		return
	}
	corrID, ok := c.channelToCorrelation[e.Channel]
	if !ok {
		return
	}
	c.removeChannel(e.Channel, corrID)
	if len(c.correlationToChannels[corrID]) == 0 {
		c.finalizeCorrelation(corrID)
	}
}

func (c *Correlator) handleBridge(e decoder.ChannelEntry) {
	switch e.Action {
	case "add", "update":
		c.handleBridgeAddOrUpdate(e)
	case "delete":
		c.handleBridgeDelete(e)
	}
}

func (c *Correlator) handleBridgeAddOrUpdate(e decoder.ChannelEntry) {
	corrID := c.resolveBridgeCorrelationID(e)
	if corrID == "" {
		return
	}
	for _, ch := range []string{e.Channel, e.Channel1, e.Channel2} {
		if ch != "" {
			c.indexChannel(ch, corrID)
		}
	}

	external, internalExt, internalName, ok := extractBridgeParties(e)
	if !ok {
		slog.Warn("correlator: could not identify trunk leg for bridge",
			"channel1", e.Channel1, "channel2", e.Channel2, "correlation_id", corrID)
		return
	}

	bridgeTime := parseBridgeTime(e.BridgeTime)

	isOutbound := e.OutboundTrunkName != "" && e.InboundTrunkName == ""
	if isOutbound && external != "" {
		c.recordOutboundBridge(corrID, bridgeTime, external, internalExt, internalName)
	}

	_, isInbound := c.inboundSet[corrID]
	if isInbound {
		c.recordInboundAnswer(corrID, internalExt, internalName, bridgeTime)
	}

	if !isInbound {
		return
	}
	rec, exists := c.calls[corrID]
	if !exists || rec.state != stateRinging {
		return
	}
	rec.state = stateConnected
	rec.external = external
	rec.bridgeTime = bridgeTime
	c.store.Upsert(rec.snapshot())
	c.publisher.Publish(Event{Type: EventConnect, CorrelationID: corrID, Data: rec.snapshot()})
}

func (c *Correlator) recordInboundAnswer(corrID, internalExt, internalName string, bridgeTime time.Time) {
	bt, tracked := c.metadata[corrID]
	if !tracked || bt != nil {
		return
	}
	if err := c.writer.MarkInboundAnswered(c.ctx, corrID, internalExt, internalName); err != nil {
		slog.Error("correlator: mark inbound answered failed", "correlation_id", corrID, "error", err)
	}
	t := bridgeTime
	c.metadata[corrID] = &t
}

func (c *Correlator) recordOutboundBridge(corrID string, bridgeTime time.Time, external, internalExt, internalName string) {
	if bt, tracked := c.metadata[corrID]; tracked {
		if bt == nil {
			if err := c.writer.MarkOutboundAnswered(c.ctx, corrID, internalName); err != nil {
				slog.Error("correlator: mark outbound answered failed", "correlation_id", corrID, "error", err)
			}
			t := bridgeTime
			c.metadata[corrID] = &t
		}
		return
	}
	if _, err := c.writer.InsertOutbound(c.ctx, corrID, bridgeTime, external, internalExt, internalName); err != nil {
		slog.Error("correlator: insert outbound failed", "correlation_id", corrID, "error", err)
	}
	t := bridgeTime
	c.metadata[corrID] = &t
}

func (c *Correlator) resolveBridgeCorrelationID(e decoder.ChannelEntry) string {
	if e.LinkedID != "" {
		return e.LinkedID
	}
	for _, ch := range []string{e.Channel1, e.Channel2, e.Channel} {
		if ch == "" {
			continue
		}
		if id, ok := c.channelToCorrelation[ch]; ok {
			return id
		}
	}
	if e.OutboundTrunkName != "" {
		if e.UniqueID != "" {
			return e.UniqueID
		}
		for _, ch := range []string{e.Channel1, e.Channel2, e.Channel} {
			if ch != "" {
				return ch
			}
		}
	}
	return ""
}

func (c *Correlator) handleBridgeDelete(e decoder.ChannelEntry) {
	var corrID string
	for _, ch := range []string{e.Channel, e.Channel1, e.Channel2} {
		if ch == "" {
			continue
		}
		if id, ok := c.channelToCorrelation[ch]; ok {
			corrID = id
			break
		}
	}
	if corrID == "" {
		return
	}
	for _, ch := range []string{e.Channel, e.Channel1, e.Channel2} {
		if ch != "" {
			c.removeChannel(ch, corrID)
		}
	}
	if len(c.correlationToChannels[corrID]) == 0 {
		c.finalizeCorrelation(corrID)
	}
}

func (c *Correlator) finalizeCorrelation(corrID string) {
	_, hadRecord := c.calls[corrID]
	delete(c.calls, corrID)
	delete(c.inboundSet, corrID)
	delete(c.correlationToChannels, corrID)

	if hadRecord {
		c.store.Remove(corrID)
		c.publisher.Publish(Event{Type: EventHangup, CorrelationID: corrID})
	}

	if bridgeTime, tracked := c.metadata[corrID]; tracked {
		if err := c.writer.Finalize(c.ctx, corrID, bridgeTime, time.Now()); err != nil {
			slog.Error("correlator: finalize call log failed", "correlation_id", corrID, "error", err)
		}
		delete(c.metadata, corrID)
	}
}

func (c *Correlator) indexChannel(channel, corrID string) {
	if existing, ok := c.channelToCorrelation[channel]; ok && existing == corrID {
		return
	}
	c.channelToCorrelation[channel] = corrID
	set, ok := c.correlationToChannels[corrID]
	if !ok {
		set = make(map[string]struct{})
		c.correlationToChannels[corrID] = set
	}
	set[channel] = struct{}{}
}

func (c *Correlator) removeChannel(channel, corrID string) {
	delete(c.channelToCorrelation, channel)
	if set, ok := c.correlationToChannels[corrID]; ok {
		delete(set, channel)
		if len(set) == 0 {
			delete(c.correlationToChannels, corrID)
		}
	}
}

// extractBridgeParties identifies which bridge leg is the trunk (external)
// by the "trunk" substring in its channel name; the other leg is the
// internal extension. ok is false when neither or both channels qualify,
// matching the "unknown" case the history write is skipped for.
func extractBridgeParties(e decoder.ChannelEntry) (external, internalExt, internalName string, ok bool) {
	c1 := strings.Contains(strings.ToLower(e.Channel1), "trunk")
	c2 := strings.Contains(strings.ToLower(e.Channel2), "trunk")
	switch {
	case c1 && !c2:
		return e.CallerID1, e.CallerID2, e.Name2, true
	case c2 && !c1:
		return e.CallerID2, e.CallerID1, e.Name1, true
	default:
		return "", "", "", false
	}
}

func parseBridgeTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.ParseInLocation(timestampLayout, s, time.Local)
	if err != nil {
		return time.Now()
	}
	return t
}
