package room

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreate_GeneratedID(t *testing.T) {
	r := NewRegistry(2)

	id, err := r.Create("conn-a", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", id, err)
	}

	info, ok := r.Get(id)
	if !ok {
		t.Fatalf("room %q not found after create", id)
	}
	if len(info.Users) != 1 || info.Users[0] != "conn-a" {
		t.Fatalf("users=%v, want [conn-a]", info.Users)
	}
	if info.Creator != "conn-a" {
		t.Fatalf("creator=%q, want conn-a", info.Creator)
	}
}

func TestCreate_CustomIDLengthPolicy(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"two chars rejected", "ab", ErrInvalidID},
		{"three chars allowed", "abc", nil},
		{"twenty chars allowed", strings.Repeat("x", 20), nil},
		{"twenty-one chars rejected", strings.Repeat("x", 21), ErrInvalidID},
		{"length measured in runes", strings.Repeat("й", 20), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(2)
			id, err := r.Create("conn-a", tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if r.Len() != 0 {
					t.Fatalf("rejected create left %d rooms behind", r.Len())
				}
				return
			}
			if id != tt.id {
				t.Fatalf("id=%q, want %q", id, tt.id)
			}
		})
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	r := NewRegistry(2)
	if _, err := r.Create("conn-a", "movie-night"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("conn-b", "movie-night"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err=%v, want ErrAlreadyExists", err)
	}

	// The losing creator must not have been indexed.
	if rooms := r.RoomsOf("conn-b"); rooms != nil {
		t.Fatalf("RoomsOf(conn-b)=%v, want nil", rooms)
	}
}

func TestJoin(t *testing.T) {
	r := NewRegistry(2)
	id, err := r.Create("conn-a", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.Join("no-such-room", "conn-b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("join unknown room: err=%v, want ErrNotFound", err)
	}

	if err := r.Join(id, "conn-b"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.Join(id, "conn-c"); !errors.Is(err, ErrFull) {
		t.Fatalf("join full room: err=%v, want ErrFull", err)
	}

	// Re-joining a room one is already in is a no-op, not a duplicate entry.
	if err := r.Join(id, "conn-b"); err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if got := r.Members(id); len(got) != 2 {
		t.Fatalf("members=%v, want 2 entries", got)
	}
}

func TestLeave(t *testing.T) {
	r := NewRegistry(2)
	id, err := r.Create("conn-a", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Join(id, "conn-b"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if removed, deleted := r.Leave("no-such-room", "conn-a"); removed || deleted {
		t.Fatalf("leave unknown room: removed=%v deleted=%v, want false/false", removed, deleted)
	}
	if removed, deleted := r.Leave(id, "conn-z"); removed || deleted {
		t.Fatalf("leave by non-member: removed=%v deleted=%v, want false/false", removed, deleted)
	}

	removed, deleted := r.Leave(id, "conn-a")
	if !removed || deleted {
		t.Fatalf("first leave: removed=%v deleted=%v, want true/false", removed, deleted)
	}
	if got := r.Members(id); len(got) != 1 || got[0] != "conn-b" {
		t.Fatalf("members=%v, want [conn-b]", got)
	}

	removed, deleted = r.Leave(id, "conn-b")
	if !removed || !deleted {
		t.Fatalf("last leave: removed=%v deleted=%v, want true/true", removed, deleted)
	}
	if _, ok := r.Get(id); ok {
		t.Fatalf("room %q still visible after last member left", id)
	}

	// Leaving twice is idempotent.
	if removed, deleted := r.Leave(id, "conn-b"); removed || deleted {
		t.Fatalf("second leave: removed=%v deleted=%v, want false/false", removed, deleted)
	}
}

// checkIndexAgreement asserts the bidirectional invariant between the room
// table and the connection index.
func checkIndexAgreement(t *testing.T, r *Registry) {
	t.Helper()

	fromRooms := map[string]map[string]struct{}{}
	for _, info := range r.All() {
		for _, u := range info.Users {
			if fromRooms[u] == nil {
				fromRooms[u] = map[string]struct{}{}
			}
			fromRooms[u][info.ID] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for conn, want := range fromRooms {
		got := r.byConn[conn]
		if len(got) != len(want) {
			t.Fatalf("index for %s has %d rooms, registry says %d", conn, len(got), len(want))
		}
		for id := range want {
			if _, ok := got[id]; !ok {
				t.Fatalf("index for %s missing room %s", conn, id)
			}
		}
	}
	for conn, set := range r.byConn {
		for id := range set {
			s, ok := r.rooms[id]
			if !ok || !s.contains(conn) {
				t.Fatalf("index claims %s is in %s but registry disagrees", conn, id)
			}
		}
	}
}

func TestIndexStaysInSync(t *testing.T) {
	r := NewRegistry(2)

	a, _ := r.Create("conn-a", "")
	b, _ := r.Create("conn-b", "")
	if err := r.Join(a, "conn-b"); err != nil {
		t.Fatalf("join: %v", err)
	}
	checkIndexAgreement(t, r)

	r.Leave(a, "conn-a")
	checkIndexAgreement(t, r)

	r.Leave(b, "conn-b")
	r.Leave(a, "conn-b")
	checkIndexAgreement(t, r)

	if rooms := r.RoomsOf("conn-a"); rooms != nil {
		t.Fatalf("RoomsOf(conn-a)=%v after leaving everything, want nil", rooms)
	}
	if rooms := r.RoomsOf("conn-b"); rooms != nil {
		t.Fatalf("RoomsOf(conn-b)=%v after leaving everything, want nil", rooms)
	}
}

func TestConcurrentJoins_NeverExceedCapacity(t *testing.T) {
	r := NewRegistry(2)
	id, err := r.Create("creator", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- r.Join(id, "conn-"+string(rune('a'+n%26))+string(rune('a'+n/26)))
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrFull) {
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	// One slot was free next to the creator.
	if succeeded != 1 {
		t.Fatalf("%d joins succeeded, want exactly 1", succeeded)
	}
	if got := len(r.Members(id)); got != 2 {
		t.Fatalf("members=%d, want 2", got)
	}
	checkIndexAgreement(t, r)
}

func TestAll_ReturnsDefensiveCopies(t *testing.T) {
	r := NewRegistry(2)
	id, _ := r.Create("conn-a", "")

	snap := r.All()
	if len(snap) != 1 {
		t.Fatalf("len(All())=%d, want 1", len(snap))
	}
	snap[0].Users[0] = "mutated"

	if got := r.Members(id); got[0] != "conn-a" {
		t.Fatalf("registry observed caller mutation: members=%v", got)
	}
}

func TestAll_OrderedByCreation(t *testing.T) {
	r := NewRegistry(2)
	base := time.Unix(1700000000, 0)
	step := 0
	r.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	first, _ := r.Create("conn-a", "")
	second, _ := r.Create("conn-b", "")
	third, _ := r.Create("conn-c", "")

	got := r.All()
	want := []string{first, second, third}
	for i, info := range got {
		if info.ID != want[i] {
			t.Fatalf("All()[%d].ID=%s, want %s", i, info.ID, want[i])
		}
	}
}
