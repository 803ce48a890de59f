package persistence

import (
	"path/filepath"
	"testing"
)

func TestGroupStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.json")
	state := GroupStateFile{"g1": {Selected: "a", BestLatencyMs: 42}}
	if err := SaveGroupState(path, state); err != nil {
		t.Fatal(err)
	}
	got := LoadGroupState(path)
	if got["g1"].Selected != "a" || got["g1"].BestLatencyMs != 42 {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadGroupStateMissingFileIsNonFatal(t *testing.T) {
	got := LoadGroupState(filepath.Join(t.TempDir(), "missing.json"))
	if len(got) != 0 {
		t.Fatalf("expected empty state, got %+v", got)
	}
}

func TestLoadGroupStateCorruptFileIsNonFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := writeAtomic(path, "not an object"); err != nil {
		t.Fatal(err)
	}
	got := LoadGroupState(path)
	if len(got) != 0 {
		t.Fatalf("expected empty state for corrupt file, got %+v", got)
	}
}

func TestTrafficStatsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.json")
	stats := TrafficStats{
		TotalUpload: 100, TotalDownload: 200, TotalConnections: 3,
		PerProxy: map[string]ProxyTraffic{"direct": {Upload: 100, Download: 200, Connections: 3}},
	}
	if err := SaveTrafficStats(path, stats); err != nil {
		t.Fatal(err)
	}
	got := LoadTrafficStats(path)
	if got.TotalUpload != 100 || got.PerProxy["direct"].Connections != 3 {
		t.Fatalf("got %+v", got)
	}
}
