package sessionstore

import "testing"

func TestAddFromPtyEmitsDiscovered(t *testing.T) {
	s := New()
	var events []Event
	unsub := s.Subscribe(func(e Event) { events = append(events, e) })
	defer unsub()

	ts := s.AddFromPty("sess-1", "proj-1", "/tmp/proj", 4242)

	if ts.Status != StatusWorking {
		t.Errorf("status = %q, want working", ts.Status)
	}
	if len(events) != 1 || events[0].Type != EventDiscovered {
		t.Fatalf("events = %+v, want exactly one discovered event", events)
	}
	if events[0].Session.PID != 4242 {
		t.Errorf("pid = %d, want 4242", events[0].Session.PID)
	}
}

func TestAddFromWatcherHasNoPID(t *testing.T) {
	s := New()
	ts := s.AddFromWatcher("sess-2", "proj-1", "/tmp/proj")
	if ts.PID != 0 {
		t.Errorf("pid = %d, want 0 for watcher-discovered session", ts.PID)
	}
	if ts.Status != StatusIdle {
		t.Errorf("status = %q, want idle", ts.Status)
	}
}

func TestUpdateStatusEmitsUpdatedAndIsUnknownSafe(t *testing.T) {
	s := New()
	s.AddFromPty("sess-1", "proj-1", "/tmp", 1)

	var events []Event
	unsub := s.Subscribe(func(e Event) { events = append(events, e) })
	defer unsub()

	s.UpdateStatus("sess-1", StatusWaitingForInput)
	s.UpdateStatus("does-not-exist", StatusIdle) // must not panic or notify

	if len(events) != 1 {
		t.Fatalf("events = %+v, want exactly one", events)
	}
	if events[0].Type != EventUpdated || events[0].Session.Status != StatusWaitingForInput {
		t.Errorf("event = %+v, want updated/waiting_for_input", events[0])
	}

	got, ok := s.Get("sess-1")
	if !ok || got.Status != StatusWaitingForInput {
		t.Errorf("Get = %+v, ok=%v, want waiting_for_input", got, ok)
	}
}

func TestUpdateBlockAttachesFileDerivedDetail(t *testing.T) {
	s := New()
	s.AddFromWatcher("sess-3", "proj-1", "/tmp")

	s.UpdateBlock("sess-3", StatusBlock{Task: "refactor parser", Blockers: []string{"waiting on review"}})

	got, ok := s.Get("sess-3")
	if !ok {
		t.Fatal("session not found")
	}
	if got.Block == nil || got.Block.Task != "refactor parser" {
		t.Errorf("block = %+v, want task set", got.Block)
	}
}

func TestRemoveEmitsRemovedAndDropsFromList(t *testing.T) {
	s := New()
	s.AddFromPty("sess-1", "proj-1", "/tmp", 1)

	var events []Event
	unsub := s.Subscribe(func(e Event) { events = append(events, e) })
	defer unsub()

	s.Remove("sess-1")
	s.Remove("sess-1") // second remove of an already-gone session is a no-op

	if len(events) != 1 || events[0].Type != EventRemoved {
		t.Fatalf("events = %+v, want exactly one removed event", events)
	}
	if len(s.List()) != 0 {
		t.Errorf("List() = %+v, want empty after remove", s.List())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New()
	var count int
	unsub := s.Subscribe(func(e Event) { count++ })

	s.AddFromPty("sess-1", "p", "/tmp", 1)
	unsub()
	s.AddFromPty("sess-2", "p", "/tmp", 2)

	if count != 1 {
		t.Errorf("count = %d, want 1 (second add after unsubscribe shouldn't be seen)", count)
	}
}
