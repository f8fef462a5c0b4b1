package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ucmmonitor/ucmmonitor/internal/decoder"
)

// fakeWriter records every call-history operation in order, for assertions.
type fakeWriter struct {
	mu               sync.Mutex
	inboundRings     []string
	inboundAnswers   []string
	outboundInserts  []string
	outboundRings    []string
	outboundAnswers  []string
	finalized        map[string]*time.Time
	finalizeNowCalls int
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{finalized: make(map[string]*time.Time)}
}

func (w *fakeWriter) InsertInboundRing(ctx context.Context, correlationID, externalNumber string, at time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inboundRings = append(w.inboundRings, correlationID)
	return 1, nil
}

func (w *fakeWriter) MarkInboundAnswered(ctx context.Context, correlationID, internalExt, internalName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inboundAnswers = append(w.inboundAnswers, correlationID)
	return nil
}

func (w *fakeWriter) InsertOutbound(ctx context.Context, correlationID string, bridgeTime time.Time, externalNumber, internalExt, internalName string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outboundInserts = append(w.outboundInserts, correlationID)
	return 1, nil
}

func (w *fakeWriter) InsertOutboundRing(ctx context.Context, correlationID, externalNumber, internalExt string, at time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outboundRings = append(w.outboundRings, correlationID)
	return 1, nil
}

func (w *fakeWriter) MarkOutboundAnswered(ctx context.Context, correlationID, internalName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outboundAnswers = append(w.outboundAnswers, correlationID)
	return nil
}

func (w *fakeWriter) Finalize(ctx context.Context, correlationID string, bridgeTime *time.Time, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized[correlationID] = bridgeTime
	w.finalizeNowCalls++
	return nil
}

// fakeStore records Upsert/Remove/SetPresence/Reset calls.
type fakeStore struct {
	mu         sync.Mutex
	active     map[string]CallSnapshot
	presence   map[string]string
	resetCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{active: make(map[string]CallSnapshot), presence: make(map[string]string)}
}

func (s *fakeStore) Upsert(snap CallSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[snap.CorrelationID] = snap
}

func (s *fakeStore) Remove(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, correlationID)
}

func (s *fakeStore) SetPresence(extension, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[extension] = status
}

func (s *fakeStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[string]CallSnapshot)
}

// fakePublisher records every published event in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakePublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) typesFor(corrID string) []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []EventType
	for _, e := range p.events {
		if e.CorrelationID == corrID {
			out = append(out, e.Type)
		}
	}
	return out
}

func newTestCorrelator() (*Correlator, *fakeWriter, *fakeStore, *fakePublisher) {
	w, s, p := newFakeWriter(), newFakeStore(), &fakePublisher{}
	return New(context.Background(), w, s, p), w, s, p
}

// S1 — simple inbound answered then hangup.
func TestScenarioS1SimpleInboundAnsweredThenHangup(t *testing.T) {
	c, w, s, p := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/trunk-01", State: "Ring", LinkedID: "L1",
			InboundTrunkName: "TRUNK", ConnectedNum: "+390123456", CallerNum: "1000"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1000-02", State: "Ringing", LinkedID: "L1",
			CallerNum: "1000", ConnectedNum: "+390123456", ConnectedName: "Mario Rossi"},
	})

	if _, ok := s.active["L1"]; !ok {
		t.Fatal("expected active call L1 after ring")
	}
	if len(w.inboundRings) != 1 {
		t.Fatalf("expected 1 inbound ring insert, got %d", len(w.inboundRings))
	}

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "bridge", Action: "add", Channel1: "PJSIP/trunk-01", Channel2: "PJSIP/1000-02",
			LinkedID: "L1", CallerID1: "+390123456", CallerID2: "1000", Name1: "Mario Rossi", Name2: "Reception",
			BridgeTime: "2024-03-01 10:00:05"},
	})

	snap, ok := s.active["L1"]
	if !ok || snap.State != "connected" {
		t.Fatalf("expected connected call L1, got %+v ok=%v", snap, ok)
	}
	if len(w.inboundAnswers) != 1 {
		t.Fatalf("expected 1 inbound answer mark, got %d", len(w.inboundAnswers))
	}

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/trunk-01"},
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/1000-02"},
		{ChanType: "bridge", Action: "delete", Channel1: "PJSIP/trunk-01", Channel2: "PJSIP/1000-02"},
	})

	if _, ok := s.active["L1"]; ok {
		t.Fatal("expected call L1 removed after hangup")
	}
	bt, finalized := w.finalized["L1"]
	if !finalized {
		t.Fatal("expected finalize to be called for L1")
	}
	if bt == nil {
		t.Fatal("expected non-nil bridge time for answered call")
	}

	gotEvents := p.typesFor("L1")
	want := []EventType{EventRing, EventConnect, EventHangup}
	if len(gotEvents) != len(want) {
		t.Fatalf("event sequence = %v, want %v", gotEvents, want)
	}
	for i := range want {
		if gotEvents[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, gotEvents[i], want[i])
		}
	}
}

// S2 — ring group, one branch answers.
func TestScenarioS2RingGroupOneBranchAnswers(t *testing.T) {
	c, w, s, p := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/trunk-01", State: "Ring", LinkedID: "L2",
			InboundTrunkName: "TRUNK", ConnectedNum: "+390123456", CallerNum: "1000"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1000-a", State: "Ringing", LinkedID: "L2",
			CallerNum: "1000", ConnectedNum: "+390123456"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1001-a", State: "Ringing", LinkedID: "L2",
			CallerNum: "1001", ConnectedNum: "+390123456"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1002-a", State: "Ringing", LinkedID: "L2",
			CallerNum: "1002", ConnectedNum: "+390123456"},
	})

	snap := s.active["L2"]
	if len(snap.Extensions) != 3 {
		t.Fatalf("expected 3 extensions ringing, got %v", snap.Extensions)
	}

	ringCount := 0
	for _, e := range p.typesFor("L2") {
		if e == EventRing {
			ringCount++
		}
	}
	if ringCount != 1 {
		t.Fatalf("expected exactly 1 call_ring for ring group growth, got %d", ringCount)
	}

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "bridge", Action: "add", Channel1: "PJSIP/trunk-01", Channel2: "PJSIP/1001-a",
			LinkedID: "L2", CallerID1: "+390123456", CallerID2: "1001", Name2: "Sales"},
	})

	snap = s.active["L2"]
	if snap.State != "connected" {
		t.Fatalf("expected connected state, got %s", snap.State)
	}
	if len(w.inboundAnswers) != 1 || w.inboundAnswers[0] != "L2" {
		t.Fatalf("expected inbound answer for L2, got %v", w.inboundAnswers)
	}

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/trunk-01"},
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/1000-a"},
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/1001-a"},
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/1002-a"},
		{ChanType: "bridge", Action: "delete", Channel1: "PJSIP/trunk-01", Channel2: "PJSIP/1001-a"},
	})

	if _, ok := s.active["L2"]; ok {
		t.Fatal("expected L2 removed after hangup")
	}
}

// S3 — outbound click-to-dial, never surfaced to the active-calls panel.
func TestScenarioS3OutboundNotSurfaced(t *testing.T) {
	c, w, s, p := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "bridge", Action: "add", Channel1: "PJSIP/1000-x", Channel2: "PJSIP/trunk-y",
			LinkedID: "L3", CallerID1: "1000", CallerID2: "+390987654", Name1: "Reception",
			OutboundTrunkName: "TRUNK", BridgeTime: "2024-03-01 11:00:00"},
	})

	if _, ok := s.active["L3"]; ok {
		t.Fatal("outbound calls must not be surfaced to the active-calls panel")
	}
	if len(p.typesFor("L3")) != 0 {
		t.Fatalf("expected no fan-out for outbound call, got %v", p.typesFor("L3"))
	}
	if len(w.outboundInserts) != 1 || w.outboundInserts[0] != "L3" {
		t.Fatalf("expected 1 outbound insert for L3, got %v", w.outboundInserts)
	}

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "bridge", Action: "delete", Channel1: "PJSIP/1000-x", Channel2: "PJSIP/trunk-y"},
	})

	bt, finalized := w.finalized["L3"]
	if !finalized || bt == nil {
		t.Fatal("expected outbound call to be finalized with a bridge time")
	}
}

// S4 — missed inbound call.
func TestScenarioS4MissedInbound(t *testing.T) {
	c, w, s, p := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/trunk-01", State: "Ring", LinkedID: "L4",
			InboundTrunkName: "TRUNK", ConnectedNum: "+390999999", CallerNum: "1000"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1000-02", State: "Ringing", LinkedID: "L4",
			CallerNum: "1000", ConnectedNum: "+390999999"},
	})

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/trunk-01"},
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/1000-02"},
	})

	if _, ok := s.active["L4"]; ok {
		t.Fatal("expected L4 removed after hangup")
	}
	bt, finalized := w.finalized["L4"]
	if !finalized {
		t.Fatal("expected Finalize to be called for missed call")
	}
	if bt != nil {
		t.Fatal("expected nil bridge time for a call that was never answered")
	}

	want := []EventType{EventRing, EventHangup}
	got := p.typesFor("L4")
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
}

// S5 — session loss mid-call: Reset clears active state but leaves the
// call-history row alone (no Finalize call), and subsequent calls still work.
func TestScenarioS5SessionLossMidCall(t *testing.T) {
	c, w, s, _ := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/trunk-01", State: "Ring", LinkedID: "L5",
			InboundTrunkName: "TRUNK", ConnectedNum: "+390123456", CallerNum: "1000"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1000-02", State: "Ringing", LinkedID: "L5",
			CallerNum: "1000", ConnectedNum: "+390123456"},
		{ChanType: "bridge", Action: "add", Channel1: "PJSIP/trunk-01", Channel2: "PJSIP/1000-02",
			LinkedID: "L5", CallerID1: "+390123456", CallerID2: "1000", Name2: "Reception"},
	})

	if _, ok := s.active["L5"]; !ok {
		t.Fatal("expected L5 active before transport failure")
	}

	c.Reset()

	if len(s.active) != 0 {
		t.Fatalf("expected active-state store empty after reset, got %v", s.active)
	}
	if _, finalized := w.finalized["L5"]; finalized {
		t.Fatal("expected no finalize call for a call lost mid-session")
	}

	// A new call after reconnect is processed normally.
	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/trunk-02", State: "Ring", LinkedID: "L6",
			InboundTrunkName: "TRUNK", ConnectedNum: "+390111111", CallerNum: "1000"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1000-03", State: "Ringing", LinkedID: "L6",
			CallerNum: "1000", ConnectedNum: "+390111111"},
	})
	if _, ok := s.active["L6"]; !ok {
		t.Fatal("expected L6 to be tracked normally after reset")
	}
}

// Boundary behaviors: dropped/unknown entries cause no state change.
func TestBoundaryRingWithEmptyLinkedIDAndChannelDropped(t *testing.T) {
	c, w, s, p := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", State: "Ring", CallerNum: "1000", ConnectedNum: "+39000"},
	})

	if len(s.active) != 0 || len(w.inboundRings) != 0 || len(p.events) != 0 {
		t.Fatal("expected no state change for ring with empty linkedid and channel")
	}
}

func TestBoundaryUnbridgeDeleteUnknownChannelNoOp(t *testing.T) {
	c, _, s, p := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "delete", Channel: "PJSIP/ghost-01"},
	})

	if len(s.active) != 0 || len(p.events) != 0 {
		t.Fatal("expected no state change or fan-out for unknown channel delete")
	}
}

func TestBoundaryBridgeAddResolvesViaChannelIndex(t *testing.T) {
	c, w, s, _ := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/trunk-01", State: "Ring", LinkedID: "L9",
			InboundTrunkName: "TRUNK", ConnectedNum: "+390123456", CallerNum: "1000"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1000-02", State: "Ringing", LinkedID: "L9",
			CallerNum: "1000", ConnectedNum: "+390123456"},
	})

	// Bridge add with an empty linkedid resolves via ChannelIndex lookup of channel1.
	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "bridge", Action: "add", Channel1: "PJSIP/trunk-01", Channel2: "PJSIP/1000-02",
			CallerID1: "+390123456", CallerID2: "1000", Name2: "Reception"},
	})

	if len(w.inboundAnswers) != 1 || w.inboundAnswers[0] != "L9" {
		t.Fatalf("expected resolved correlation id L9 to be marked answered, got %v", w.inboundAnswers)
	}
	if _, ok := s.active["L9"]; !ok || s.active["L9"].State != "connected" {
		t.Fatal("expected L9 connected after resolved bridge")
	}
}

func TestDuplicateBridgeOnAlreadyConnectedCallIsNoOp(t *testing.T) {
	c, w, s, p := newTestCorrelator()

	c.HandleActiveCallStatus([]decoder.ChannelEntry{
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/trunk-01", State: "Ring", LinkedID: "L10",
			InboundTrunkName: "TRUNK", ConnectedNum: "+390123456", CallerNum: "1000"},
		{ChanType: "unbridge", Action: "add", Channel: "PJSIP/1000-02", State: "Ringing", LinkedID: "L10",
			CallerNum: "1000", ConnectedNum: "+390123456"},
	})
	bridge := decoder.ChannelEntry{ChanType: "bridge", Action: "add", Channel1: "PJSIP/trunk-01",
		Channel2: "PJSIP/1000-02", LinkedID: "L10", CallerID1: "+390123456", CallerID2: "1000", Name2: "Reception"}

	c.HandleActiveCallStatus([]decoder.ChannelEntry{bridge})
	eventsAfterFirst := len(p.events)
	answersAfterFirst := len(w.inboundAnswers)

	c.HandleActiveCallStatus([]decoder.ChannelEntry{bridge})

	if len(p.events) != eventsAfterFirst {
		t.Fatalf("expected no additional fan-out on duplicate bridge, got %d new events", len(p.events)-eventsAfterFirst)
	}
	if len(w.inboundAnswers) != answersAfterFirst {
		t.Fatalf("expected no additional history write on duplicate bridge, got %d new writes", len(w.inboundAnswers)-answersAfterFirst)
	}
	if s.active["L10"].State != "connected" {
		t.Fatal("expected call to remain connected")
	}
}

func TestPresenceUpdateEmitsEventAndUpdatesStore(t *testing.T) {
	c, _, s, p := newTestCorrelator()

	c.HandleExtensionStatus([]decoder.ExtensionStatusEntry{
		{Extension: "1000", Status: "RINGING"},
	})

	if s.presence["1000"] != "RINGING" {
		t.Fatalf("expected presence updated, got %q", s.presence["1000"])
	}
	if len(p.events) != 1 || p.events[0].Type != EventPresence {
		t.Fatalf("expected 1 presence event, got %v", p.events)
	}
}
