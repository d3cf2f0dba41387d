package core

import "testing"

func TestMemRecordStoreGetMissing(t *testing.T) {
	s := NewMemRecordStore()
	_, ok, err := s.Get("sessions", "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestMemRecordStoreSetGetRoundTrip(t *testing.T) {
	s := NewMemRecordStore()
	if err := s.Set("sessions", "sid-1", []byte("payload")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get("sessions", "sid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if string(got) != "payload" {
		t.Fatalf("got %q want %q", got, "payload")
	}
}

func TestMemRecordStoreSetOverwrites(t *testing.T) {
	s := NewMemRecordStore()
	s.Set("sessions", "k", []byte("v1"))
	s.Set("sessions", "k", []byte("v2"))
	got, _, _ := s.Get("sessions", "k")
	if string(got) != "v2" {
		t.Fatalf("expected overwritten value v2, got %q", got)
	}
}

func TestMemRecordStoreDelete(t *testing.T) {
	s := NewMemRecordStore()
	s.Set("sessions", "k", []byte("v"))
	if err := s.Delete("sessions", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ := s.Get("sessions", "k")
	if ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestMemRecordStoreDeleteMissingIsNoop(t *testing.T) {
	s := NewMemRecordStore()
	if err := s.Delete("sessions", "missing"); err != nil {
		t.Fatalf("Delete on missing key should not error: %v", err)
	}
}

func TestMemRecordStoreListSortedByKey(t *testing.T) {
	s := NewMemRecordStore()
	s.Set("peer_registry", "b", []byte("2"))
	s.Set("peer_registry", "a", []byte("1"))
	s.Set("peer_registry", "c", []byte("3"))
	rows, err := s.List("peer_registry")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if string(rows["a"]) != "1" || string(rows["b"]) != "2" || string(rows["c"]) != "3" {
		t.Fatalf("unexpected row contents: %+v", rows)
	}
}

func TestMemRecordStoreListEmptyDomain(t *testing.T) {
	s := NewMemRecordStore()
	rows, err := s.List("nonexistent")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty map, got %d rows", len(rows))
	}
}

func TestMemRecordStoreDomainsIsolated(t *testing.T) {
	s := NewMemRecordStore()
	s.Set("sessions", "k", []byte("session-value"))
	s.Set("peer_registry", "k", []byte("peer-value"))
	a, _, _ := s.Get("sessions", "k")
	b, _, _ := s.Get("peer_registry", "k")
	if string(a) == string(b) {
		t.Fatalf("expected domain isolation, got identical values")
	}
}

func TestMemRecordStoreGetReturnsDefensiveCopy(t *testing.T) {
	s := NewMemRecordStore()
	s.Set("sessions", "k", []byte("original"))
	got, _, _ := s.Get("sessions", "k")
	got[0] = 'X'
	got2, _, _ := s.Get("sessions", "k")
	if string(got2) != "original" {
		t.Fatalf("mutating returned slice affected stored value: %q", got2)
	}
}
