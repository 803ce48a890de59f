package tracker

import (
	"net/netip"
	"sync"
	"testing"

	"proxykernel/internal/addr"
)

func TestAdmissionRespectsMaxConnections(t *testing.T) {
	tr := New(2)
	if !tr.Admit() || !tr.Admit() {
		t.Fatal("expected first two admissions to succeed")
	}
	if tr.Admit() {
		t.Fatal("expected third admission to be rejected")
	}
	admitted, rejected := tr.Stats()
	if admitted != 2 || rejected != 1 {
		t.Fatalf("stats = (%d, %d), want (2, 1)", admitted, rejected)
	}
}

func TestRegisterAndRemove(t *testing.T) {
	tr := New(0)
	if !tr.Admit() {
		t.Fatal("expected admission to succeed")
	}
	id := tr.NewID()
	a, _ := addr.NewIP(netip.MustParseAddr("1.2.3.4"), 443)
	c := &Connection{ID: id, InboundTag: "in", OutboundTag: "out", Target: a, Network: addr.TCP}
	tr.Register(c)
	if tr.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", tr.Count())
	}
	got, ok := tr.Get(id)
	if !ok || got.ID != id {
		t.Fatal("expected to find registered connection")
	}
	c.AddUpload(100)
	c.AddDownload(200)
	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].UploadBytes != 100 || snap[0].DownloadBytes != 200 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	tr.Remove(id)
	if tr.Count() != 0 {
		t.Fatalf("Count() after remove = %d, want 0", tr.Count())
	}
	if _, ok := tr.Get(id); ok {
		t.Fatal("expected connection to be gone after Remove")
	}
}

func TestRemoveUnregisteredStillReleasesAdmission(t *testing.T) {
	tr := New(1)
	if !tr.Admit() {
		t.Fatal("expected admission to succeed")
	}
	tr.Remove(tr.NewID()) // never registered: outbound connect failed before Register
	if !tr.Admit() {
		t.Fatal("expected admission slot to be freed")
	}
}

func TestConcurrentAdmitAndRemove(t *testing.T) {
	tr := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !tr.Admit() {
				return
			}
			id := tr.NewID()
			a, _ := addr.NewIP(netip.MustParseAddr("1.2.3.4"), 80)
			tr.Register(&Connection{ID: id, Target: a, Network: addr.TCP})
			tr.Remove(id)
		}()
	}
	wg.Wait()
	if tr.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after all sessions complete", tr.Count())
	}
}
