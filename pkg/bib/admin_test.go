package bib

import (
	"net/netip"
	"sort"
	"testing"

	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/pool4"
)

func TestAddStatic(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())

	e := nat64.BIBEntry{
		Src6:  ta(t, "2001:db8::1#40000"),
		Src4:  ta(t, "192.0.2.1#1000"),
		Proto: nat64.TCP,
	}
	if _, err := db.AddStatic(e); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}

	got, err := db.FindBIB6(nat64.TCP, e.Src6)
	if err != nil || !got.Static {
		t.Fatalf("static entry missing or not static: %+v, %v", got, err)
	}

	// The exact same pair again is an idempotent promotion.
	if _, err := db.AddStatic(e); err != nil {
		t.Fatalf("idempotent AddStatic: %v", err)
	}

	// Same src6, different src4: collision.
	e2 := e
	e2.Src4 = ta(t, "192.0.2.1#1001")
	old, err := db.AddStatic(e2)
	if err != nat64.ErrExists {
		t.Fatalf("src6 collision: err = %v, want %v", err, nat64.ErrExists)
	}
	if old.Src4 != e.Src4 {
		t.Fatalf("collision reported %v, want %v", old.Src4, e.Src4)
	}

	// Same src4, different src6: collision.
	e3 := e
	e3.Src6 = ta(t, "2001:db8::2#40000")
	if _, err := db.AddStatic(e3); err != nat64.ErrExists {
		t.Fatalf("src4 collision: err = %v, want %v", err, nat64.ErrExists)
	}
	checkInvariants(t, db)
}

// A dynamic entry colliding with a static add on the same pair gets
// promoted and survives losing its sessions.
func TestAddStaticPromotesDynamic(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())
	pool := testPool(t, 1000, 1000)

	t6 := nat64.Tuple6{
		Src6:  ta(t, "2001:db8::1#40000"),
		Dst6:  ta(t, "64:ff9b::203.0.113.7#53"),
		Proto: nat64.UDP,
	}
	got, err := db.Add6(t6, domain(t, pool, nat64.UDP, t6.Src6), ta(t, "203.0.113.7#53"))
	if err != nil {
		t.Fatalf("Add6: %v", err)
	}

	if _, err := db.AddStatic(nat64.BIBEntry{
		Src6:  got.Session.Src6,
		Src4:  got.Session.Src4,
		Proto: nat64.UDP,
	}); err != nil {
		t.Fatalf("AddStatic over dynamic: %v", err)
	}

	entry, err := db.FindBIB6(nat64.UDP, t6.Src6)
	if err != nil || !entry.Static {
		t.Fatalf("dynamic entry not promoted: %+v, %v", entry, err)
	}
	checkInvariants(t, db)
}

// Creating a static TCP binding evicts pending type 1 packets aimed at
// its outside address.
func TestAddStaticEvictsStoredSYN(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())

	in := nat64.Tuple4{
		Src4:  ta(t, "203.0.113.7#1234"),
		Dst4:  ta(t, "192.0.2.1#1000"),
		Proto: nat64.TCP,
	}
	pkt := synPacket(t, "203.0.113.7#1234", "192.0.2.1#1000")
	if _, err := db.AddTCP4(in, ta(t, "64:ff9b::203.0.113.7#1234"), pkt, nil); err != nat64.ErrStolen {
		t.Fatalf("type 1 storage: %v", err)
	}

	if _, err := db.AddStatic(nat64.BIBEntry{
		Src6:  ta(t, "2001:db8::1#40000"),
		Src4:  ta(t, "192.0.2.1#1000"),
		Proto: nat64.TCP,
	}); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}

	counters, _ := db.Counters(nat64.TCP)
	if counters.StoredPkts != 0 {
		t.Fatalf("stored SYN survived the static add: %+v", counters)
	}
	checkInvariants(t, db)
}

func TestRemove(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())
	pool := testPool(t, 1000, 1000)

	t6 := nat64.Tuple6{
		Src6:  ta(t, "2001:db8::1#40000"),
		Dst6:  ta(t, "64:ff9b::203.0.113.7#53"),
		Proto: nat64.UDP,
	}
	got, err := db.Add6(t6, domain(t, pool, nat64.UDP, t6.Src6), ta(t, "203.0.113.7#53"))
	if err != nil {
		t.Fatalf("Add6: %v", err)
	}

	// Wrong src4 does not match.
	if err := db.Remove(nat64.BIBEntry{
		Src6:  t6.Src6,
		Src4:  ta(t, "192.0.2.1#9999"),
		Proto: nat64.UDP,
	}); err != nat64.ErrNotFound {
		t.Fatalf("mismatched remove: err = %v, want %v", err, nat64.ErrNotFound)
	}

	if err := db.Remove(nat64.BIBEntry{
		Src6:  t6.Src6,
		Src4:  got.Session.Src4,
		Proto: nat64.UDP,
	}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	counters, _ := db.Counters(nat64.UDP)
	if counters.BIBEntries != 0 || counters.Sessions != 0 {
		t.Fatalf("after remove: %+v", counters)
	}
	checkInvariants(t, db)
}

func TestRemoveRange(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())

	add := func(src6 string, src4 string) {
		t.Helper()
		if _, err := db.AddStatic(nat64.BIBEntry{
			Src6:  ta(t, src6),
			Src4:  ta(t, src4),
			Proto: nat64.TCP,
		}); err != nil {
			t.Fatalf("AddStatic %s: %v", src4, err)
		}
	}
	add("2001:db8::1#1", "192.0.2.1#500")
	add("2001:db8::2#1", "192.0.2.1#1500")
	add("2001:db8::3#1", "192.0.2.2#1500")
	add("2001:db8::4#1", "198.51.100.1#1500")

	err := db.RemoveRange(nat64.TCP, netip.MustParsePrefix("192.0.2.0/24"),
		pool4.PortRange{Min: 1000, Max: 2000})
	if err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}

	var left []string
	db.ForeachBIB(nat64.TCP, nil, func(e nat64.BIBEntry) error {
		left = append(left, e.Src4.String())
		return nil
	})
	want := []string{"192.0.2.1#500", "198.51.100.1#1500"}
	if len(left) != len(want) || left[0] != want[0] || left[1] != want[1] {
		t.Fatalf("after RemoveRange: %v, want %v", left, want)
	}
	checkInvariants(t, db)
}

func TestFlush(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())
	pool := testPool(t, 1000, 1001)

	for _, proto := range []nat64.Proto{nat64.UDP, nat64.ICMP} {
		t6 := nat64.Tuple6{
			Src6:  ta(t, "2001:db8::1#40000"),
			Dst6:  ta(t, "64:ff9b::203.0.113.7#53"),
			Proto: proto,
		}
		if _, err := db.Add6(t6, domain(t, pool, proto, t6.Src6), ta(t, "203.0.113.7#53")); err != nil {
			t.Fatalf("Add6 %v: %v", proto, err)
		}
	}

	if err := db.Flush(nat64.UDP); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	udp, _ := db.Counters(nat64.UDP)
	icmp, _ := db.Counters(nat64.ICMP)
	if udp.BIBEntries != 0 {
		t.Fatalf("UDP table not flushed")
	}
	if icmp.BIBEntries != 1 {
		t.Fatalf("flush crossed tables")
	}

	db.FlushAll()
	icmp, _ = db.Counters(nat64.ICMP)
	if icmp.BIBEntries != 0 {
		t.Fatalf("FlushAll left entries")
	}
	checkInvariants(t, db)
}

// Foreach stability: ascending (src4, dst4) order, exactly
// session_count entries, and offsets resume after the given position.
func TestForeachSessionOrdering(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())
	pool := testPool(t, 1000, 1003)

	peers := []string{"203.0.113.9#53", "203.0.113.7#53", "203.0.113.8#53"}
	for i := 0; i < 3; i++ {
		src6 := nat64.TransportAddr{Addr: ta(t, "2001:db8::1#0").Addr, Port: uint16(40000 + i)}
		for _, peer := range peers {
			p := ta(t, peer)
			t6 := nat64.Tuple6{
				Src6:  src6,
				Dst6:  nat64.TransportAddr{Addr: netip.MustParseAddr("64:ff9b::" + p.Addr.String()), Port: p.Port},
				Proto: nat64.UDP,
			}
			if _, err := db.Add6(t6, domain(t, pool, nat64.UDP, src6), p); err != nil {
				t.Fatalf("Add6: %v", err)
			}
		}
	}

	var visited []SessionOffset
	err := db.ForeachSession(nat64.UDP, nil, func(se nat64.SessionEntry) error {
		visited = append(visited, SessionOffset{Src4: se.Src4, Dst4: se.Dst4})
		return nil
	})
	if err != nil {
		t.Fatalf("ForeachSession: %v", err)
	}

	counters, _ := db.Counters(nat64.UDP)
	if uint64(len(visited)) != counters.Sessions {
		t.Fatalf("visited %d sessions, table has %d", len(visited), counters.Sessions)
	}
	if !sort.SliceIsSorted(visited, func(i, j int) bool {
		if c := visited[i].Src4.Compare(visited[j].Src4); c != 0 {
			return c < 0
		}
		return visited[i].Dst4.Compare(visited[j].Dst4) < 0
	}) {
		t.Fatalf("ForeachSession out of order: %v", visited)
	}

	// Resuming from the third entry yields exactly the rest.
	var rest []SessionOffset
	err = db.ForeachSession(nat64.UDP, &visited[2], func(se nat64.SessionEntry) error {
		rest = append(rest, SessionOffset{Src4: se.Src4, Dst4: se.Dst4})
		return nil
	})
	if err != nil {
		t.Fatalf("ForeachSession with offset: %v", err)
	}
	if len(rest) != len(visited)-3 {
		t.Fatalf("offset resume visited %d, want %d", len(rest), len(visited)-3)
	}
	if len(rest) > 0 && rest[0] != visited[3] {
		t.Fatalf("offset resume started at %v, want %v", rest[0], visited[3])
	}

	// An offset that no longer exists resolves to the next greater
	// entry.
	ghost := SessionOffset{
		Src4: visited[2].Src4,
		Dst4: nat64.TransportAddr{Addr: visited[2].Dst4.Addr, Port: visited[2].Dst4.Port - 1},
	}
	var fromGhost []SessionOffset
	db.ForeachSession(nat64.UDP, &ghost, func(se nat64.SessionEntry) error {
		fromGhost = append(fromGhost, SessionOffset{Src4: se.Src4, Dst4: se.Dst4})
		return nil
	})
	if len(fromGhost) == 0 || fromGhost[0] != visited[2] {
		t.Fatalf("ghost offset resumed at %v, want %v", fromGhost, visited[2])
	}
}

func TestForeachBIBOffset(t *testing.T) {
	db, _, _ := newTestDB(t, DefaultGlobals())

	for i, src4 := range []string{"192.0.2.1#1000", "192.0.2.1#1001", "192.0.2.1#1002"} {
		if _, err := db.AddStatic(nat64.BIBEntry{
			Src6:  nat64.TransportAddr{Addr: ta(t, "2001:db8::1#0").Addr, Port: uint16(40000 + i)},
			Src4:  ta(t, src4),
			Proto: nat64.TCP,
		}); err != nil {
			t.Fatalf("AddStatic: %v", err)
		}
	}

	offset := ta(t, "192.0.2.1#1000")
	var got []string
	db.ForeachBIB(nat64.TCP, &offset, func(e nat64.BIBEntry) error {
		got = append(got, e.Src4.String())
		return nil
	})
	if len(got) != 2 || got[0] != "192.0.2.1#1001" {
		t.Fatalf("offset iteration = %v", got)
	}
}
