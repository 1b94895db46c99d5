package relayserver

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/openumbra/umbra-bridge/internal/platform/relay"
)

// recordingWriter collects frames and can simulate a dead socket.
type recordingWriter struct {
	mu        sync.Mutex
	frames    []relay.ServerFrame
	failAfter int // -1 never fails; n fails the (n+1)th write and all later ones
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{failAfter: -1}
}

func (w *recordingWriter) WriteFrame(frame relay.ServerFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAfter >= 0 && len(w.frames) >= w.failAfter {
		return errors.New("socket closed")
	}
	w.frames = append(w.frames, frame)
	return nil
}

func (w *recordingWriter) frameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

// scriptedFederation claims a fixed set of DIDs as remotely online.
type scriptedFederation struct {
	remote    map[string]bool
	forwarded []string
	online    []string
	offline   []string
}

func (f *scriptedFederation) ForwardMessage(fromDID, toDID, payload string, timestamp int64) bool {
	if !f.remote[toDID] {
		return false
	}
	f.forwarded = append(f.forwarded, toDID)
	return true
}

func (f *scriptedFederation) HasRemote(did string) bool  { return f.remote[did] }
func (f *scriptedFederation) AnnounceOnline(did string)  { f.online = append(f.online, did) }
func (f *scriptedFederation) AnnounceOffline(did string) { f.offline = append(f.offline, did) }

func TestRouteMessageDeliversLocally(t *testing.T) {
	s := NewState(nil)
	w := newRecordingWriter()
	s.Register("did:key:zBob", w)

	got := s.RouteMessage("did:key:zAlice", "did:key:zBob", "hello", 42)
	if got != DeliveredLocally {
		t.Fatalf("route = %s, want delivered_locally", got)
	}
	if w.frameCount() != 1 {
		t.Fatalf("expected 1 frame, got %d", w.frameCount())
	}
	f := w.frames[0]
	if f.Type != relay.TypeMessage || f.FromDID != "did:key:zAlice" || f.Payload != "hello" || f.Timestamp != 42 {
		t.Fatalf("delivered frame: %+v", f)
	}
	if s.OfflineQueueSize() != 0 {
		t.Fatalf("local delivery must not queue")
	}
}

func TestRouteMessageQueuesWhenUnreachable(t *testing.T) {
	s := NewState(nil)

	got := s.RouteMessage("did:key:zAlice", "did:key:zBob", "hello", 1)
	if got != Unreachable {
		t.Fatalf("route = %s, want unreachable", got)
	}
	if s.OfflineQueueSize() != 1 {
		t.Fatalf("unreachable message must be queued, size=%d", s.OfflineQueueSize())
	}
}

func TestRouteMessageQueuesOnForwardToo(t *testing.T) {
	s := NewState(nil)
	fed := &scriptedFederation{remote: map[string]bool{"did:key:zBob": true}}
	s.SetFederation(fed)

	got := s.RouteMessage("did:key:zAlice", "did:key:zBob", "hello", 1)
	if got != ForwardedToPeer {
		t.Fatalf("route = %s, want forwarded_to_peer", got)
	}
	if len(fed.forwarded) != 1 {
		t.Fatalf("peer never saw the message")
	}
	// The peer hop is best-effort; the queue is what makes it at-least-once.
	if s.OfflineQueueSize() != 1 {
		t.Fatalf("forwarded message must also be queued, size=%d", s.OfflineQueueSize())
	}
}

func TestRegisterDrainsOfflineQueueInOrder(t *testing.T) {
	s := NewState(nil)
	for i := 0; i < 3; i++ {
		s.QueueOffline("did:key:zBob", "did:key:zAlice", fmt.Sprintf("msg-%d", i), int64(i))
	}

	w := newRecordingWriter()
	s.Register("did:key:zBob", w)

	if w.frameCount() != 3 {
		t.Fatalf("expected 3 drained frames, got %d", w.frameCount())
	}
	for i, f := range w.frames {
		if f.Type != relay.TypeMessage {
			t.Fatalf("drained frame %d has type %s", i, f.Type)
		}
		if f.Payload != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("drain out of order: frame %d payload %s", i, f.Payload)
		}
	}
	if s.OfflineQueueSize() != 0 {
		t.Fatalf("queue not emptied after drain")
	}
}

func TestRegisterInterruptedDrainRequeuesRemainder(t *testing.T) {
	s := NewState(nil)
	for i := 0; i < 5; i++ {
		s.QueueOffline("did:key:zBob", "did:key:zAlice", fmt.Sprintf("msg-%d", i), int64(i))
	}

	dying := newRecordingWriter()
	dying.failAfter = 2
	s.Register("did:key:zBob", dying)

	if dying.frameCount() != 2 {
		t.Fatalf("expected 2 frames before the socket died, got %d", dying.frameCount())
	}
	if s.OfflineQueueSize() != 3 {
		t.Fatalf("remainder not requeued, size=%d", s.OfflineQueueSize())
	}

	// The next register picks up exactly where the drain broke off.
	w := newRecordingWriter()
	s.Register("did:key:zBob", w)
	if w.frameCount() != 3 {
		t.Fatalf("expected 3 frames on re-register, got %d", w.frameCount())
	}
	if w.frames[0].Payload != "msg-2" {
		t.Fatalf("requeue lost ordering: first payload %s", w.frames[0].Payload)
	}
}

func TestQueueOfflineEvictsOldestWhenFull(t *testing.T) {
	s := NewState(nil)
	s.maxOfflinePerDID = 3
	for i := 0; i < 5; i++ {
		s.QueueOffline("did:key:zBob", "did:key:zAlice", fmt.Sprintf("msg-%d", i), int64(i))
	}
	if s.OfflineQueueSize() != 3 {
		t.Fatalf("queue exceeded cap: %d", s.OfflineQueueSize())
	}

	w := newRecordingWriter()
	s.Register("did:key:zBob", w)
	if w.frameCount() != 3 {
		t.Fatalf("drained %d frames", w.frameCount())
	}
	if w.frames[0].Payload != "msg-2" || w.frames[2].Payload != "msg-4" {
		t.Fatalf("eviction kept wrong messages: %s .. %s", w.frames[0].Payload, w.frames[2].Payload)
	}
}

func TestUnregisterStaleConnectionIsNoOp(t *testing.T) {
	s := NewState(nil)
	old := newRecordingWriter()
	s.Register("did:key:zBob", old)

	replacement := newRecordingWriter()
	s.Register("did:key:zBob", replacement)

	// The old connection's teardown runs after the replacement registered.
	s.Unregister("did:key:zBob", old)
	if !s.IsOnline("did:key:zBob") {
		t.Fatalf("stale unregister knocked the live connection offline")
	}

	s.Unregister("did:key:zBob", replacement)
	if s.IsOnline("did:key:zBob") {
		t.Fatalf("live unregister did not take effect")
	}
}

func TestRegisterAnnouncesPresence(t *testing.T) {
	s := NewState(nil)
	fed := &scriptedFederation{remote: map[string]bool{}}
	s.SetFederation(fed)

	w := newRecordingWriter()
	s.Register("did:key:zBob", w)
	s.Unregister("did:key:zBob", w)

	if len(fed.online) != 1 || fed.online[0] != "did:key:zBob" {
		t.Fatalf("online announcement missing: %v", fed.online)
	}
	if len(fed.offline) != 1 || fed.offline[0] != "did:key:zBob" {
		t.Fatalf("offline announcement missing: %v", fed.offline)
	}
}

func TestLocalOnlineDIDs(t *testing.T) {
	s := NewState(nil)
	s.Register("did:key:zA", newRecordingWriter())
	s.Register("did:key:zB", newRecordingWriter())

	dids := s.LocalOnlineDIDs()
	if len(dids) != 2 || s.OnlineCount() != 2 {
		t.Fatalf("expected 2 online DIDs, got %v", dids)
	}
}
