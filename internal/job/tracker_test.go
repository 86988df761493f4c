package job

import (
	"testing"
	"time"
)

const (
	prevA = "00000000000016d1f8fbfb77d29bc7d7b4a8ce8be18e2e1f9a2f1b1fdf3d0b6a"
	prevB = "000000000000a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a"
	prevC = "0000000000007c7b7a797877767574737271706f6e6d6c6b6a69686766656463"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(t *testing.T, grace time.Duration, maxRetained int) (*Tracker, *testClock) {
	t.Helper()
	clock := &testClock{t: testNow}
	tr := NewTracker(TrackerConfig{
		Options:     testOptions(t),
		GracePeriod: grace,
		MaxRetained: maxRetained,
		Now:         clock.now,
	})
	return tr, clock
}

func mustUpdate(t *testing.T, tr *Tracker, prev string, height int64, update bool) (*Job, bool) {
	t.Helper()
	j, ok, err := tr.Update(testTemplate(prev, height), update)
	if err != nil {
		t.Fatalf("Update(%s, %d) error = %v", prev[len(prev)-6:], height, err)
	}
	return j, ok
}

func TestTracker_FirstTemplate(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Second, 16)

	if tr.Current() != nil {
		t.Fatal("Current() before any template is not nil")
	}
	j, ok := mustUpdate(t, tr, prevA, 3000000, false)
	if !ok || j == nil {
		t.Fatalf("Update(first) = %v, %v, want new job", j, ok)
	}
	if j.ID != 1 || !j.CleanJobs {
		t.Errorf("first job ID = %d clean = %v, want 1 true", j.ID, j.CleanJobs)
	}
	if tr.Current() != j {
		t.Error("Current() is not the first job")
	}
}

func TestTracker_FirstTemplateAtHeightZero(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Second, 16)

	j, ok := mustUpdate(t, tr, prevA, 0, false)
	if !ok || j.Height != 0 {
		t.Fatalf("Update(height 0) = %v, %v, want new job at height 0", j, ok)
	}
	if _, ok := mustUpdate(t, tr, prevB, 0, false); ok {
		t.Error("Update(new tip, same height) = true, want false")
	}
}

func TestTracker_IdenticalTemplates(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Second, 16)
	mustUpdate(t, tr, prevA, 3000000, false)

	for i := 0; i < 5; i++ {
		if j, ok := mustUpdate(t, tr, prevA, 3000000, false); ok || j != nil {
			t.Fatalf("Update(identical #%d) = %v, %v, want no job", i, j, ok)
		}
	}
	if tr.Current().ID != 1 || tr.Len() != 1 {
		t.Errorf("Current().ID = %d Len() = %d, want 1 1", tr.Current().ID, tr.Len())
	}
}

func TestTracker_ForcedUpdateSameTip(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Second, 16)
	first, _ := mustUpdate(t, tr, prevA, 3000000, false)

	second, ok := mustUpdate(t, tr, prevA, 3000000, true)
	if !ok {
		t.Fatal("Update(same tip, update=true) = false, want true")
	}
	if second.ID != 2 || second.CleanJobs {
		t.Errorf("forced job ID = %d clean = %v, want 2 false", second.ID, second.CleanJobs)
	}

	e, ok := tr.Lookup(first.ID)
	if !ok || e.Superseded() {
		t.Errorf("Lookup(first) = %v superseded=%v, want active", ok, ok && e.Superseded())
	}
}

func TestTracker_NewTip(t *testing.T) {
	tr, clock := newTestTracker(t, 30*time.Second, 16)
	first, _ := mustUpdate(t, tr, prevA, 3000000, false)
	refresh, _ := mustUpdate(t, tr, prevA, 3000000, true)

	clock.advance(time.Second)
	next, ok := mustUpdate(t, tr, prevB, 3000001, false)
	if !ok || next.ID != 3 || !next.CleanJobs {
		t.Fatalf("Update(new tip) = %+v, %v, want clean job 3", next, ok)
	}
	if next.ID <= refresh.ID {
		t.Errorf("job ids not increasing: %d after %d", next.ID, refresh.ID)
	}

	for _, id := range []uint64{first.ID, refresh.ID} {
		e, ok := tr.Lookup(id)
		if !ok {
			t.Fatalf("Lookup(%d) within grace = false, want true", id)
		}
		if !e.Superseded() || !e.SupersededAt().Equal(clock.t) {
			t.Errorf("Lookup(%d).SupersededAt() = %v, want %v", id, e.SupersededAt(), clock.t)
		}
	}
	if e, ok := tr.Lookup(next.ID); !ok || e.Superseded() {
		t.Errorf("Lookup(current) = %v, want active", ok)
	}

	clock.advance(30 * time.Second)
	if _, ok := tr.Lookup(first.ID); ok {
		t.Error("Lookup(superseded) after grace = true, want false")
	}
	if n := tr.Prune(); n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}
	if tr.Len() != 1 {
		t.Errorf("Len() after prune = %d, want 1", tr.Len())
	}
}

func TestTracker_HeightRules(t *testing.T) {
	tests := []struct {
		name   string
		height int64
		wantOK bool
	}{
		{"regression to zero", 0, false},
		{"lower height", 2999999, false},
		{"same height", 3000000, false},
		{"next height", 3000001, true},
		{"skip ahead", 3000005, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t, 30*time.Second, 16)
			mustUpdate(t, tr, prevA, 3000000, false)

			j, ok := mustUpdate(t, tr, prevB, tt.height, false)
			if ok != tt.wantOK {
				t.Fatalf("Update(height %d) = %v, want %v", tt.height, ok, tt.wantOK)
			}
			if !ok {
				if j != nil {
					t.Errorf("Update() returned job %v with false", j)
				}
				if cur := tr.Current(); cur.ID != 1 || cur.PrevHash != prevA {
					t.Errorf("Current() changed to %d %s", cur.ID, cur.PrevHash)
				}
			}
		})
	}
}

func TestTracker_BadTemplateKeepsCurrent(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Second, 16)
	mustUpdate(t, tr, prevA, 3000000, false)

	tmpl := testTemplate(prevB, 3000001)
	tmpl.Bits = "garbage"
	j, ok, err := tr.Update(tmpl, false)
	if err == nil || ok || j != nil {
		t.Fatalf("Update(bad bits) = %v, %v, %v, want error", j, ok, err)
	}
	if tr.Current().ID != 1 {
		t.Errorf("Current().ID = %d, want 1", tr.Current().ID)
	}

	next, ok := mustUpdate(t, tr, prevB, 3000001, false)
	if !ok || next.ID != 2 {
		t.Errorf("Update() after failure = %v id %d, want id 2", ok, next.ID)
	}

	if _, ok, err := tr.Update(nil, true); ok || err != nil {
		t.Errorf("Update(nil) = %v, %v, want false, nil", ok, err)
	}
}

func TestTracker_MaxRetained(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour, 3)
	mustUpdate(t, tr, prevA, 3000000, false)
	for loopIdx := 0; loopIdx < 5; loopIdx++ {
		mustUpdate(t, tr, prevA, 3000000, true)
	}

	if tr.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tr.Len())
	}
	for id := uint64(1); id <= 3; id++ {
		if _, ok := tr.Lookup(id); ok {
			t.Errorf("Lookup(%d) = true, want evicted", id)
		}
	}
	for id := uint64(4); id <= 6; id++ {
		if _, ok := tr.Lookup(id); !ok {
			t.Errorf("Lookup(%d) = false, want retained", id)
		}
	}
}

func TestTracker_ZeroGrace(t *testing.T) {
	tr, _ := newTestTracker(t, 0, 16)
	first, _ := mustUpdate(t, tr, prevA, 3000000, false)
	mustUpdate(t, tr, prevB, 3000001, false)

	if _, ok := tr.Lookup(first.ID); ok {
		t.Error("Lookup(superseded) with zero grace = true, want false")
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (pruned during update)", tr.Len())
	}
}

func TestTracker_SupersedeChain(t *testing.T) {
	tr, clock := newTestTracker(t, 30*time.Second, 16)
	mustUpdate(t, tr, prevA, 3000000, false)
	clock.advance(20 * time.Second)
	mustUpdate(t, tr, prevB, 3000001, false)
	clock.advance(35 * time.Second)
	mustUpdate(t, tr, prevC, 3000002, false)

	if _, ok := tr.Lookup(1); ok {
		t.Error("Lookup(1) = true, want expired")
	}
	if e, ok := tr.Lookup(2); !ok || !e.Superseded() {
		t.Error("Lookup(2) = false, want superseded within grace")
	}
	if tr.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tr.Len())
	}
}
