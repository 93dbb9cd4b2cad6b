// ABOUTME: Tests for the connection table's snapshot semantics and tool bookkeeping.
// ABOUTME: Validates handle resolution, identity updates, and wholesale tool replacement.

package hub

import (
	"testing"
	"time"
)

func TestConnectionTableAddRemove(t *testing.T) {
	tbl := NewConnectionTable()
	sock := newFakeConn()

	conn := tbl.Add(sock)
	if conn.ID == "" {
		t.Fatal("expected assigned id")
	}
	if conn.RemoteAddr != sock.RemoteAddr() {
		t.Errorf("snapshot addr %q, want %q", conn.RemoteAddr, sock.RemoteAddr())
	}

	id, ok := tbl.IDFor(sock)
	if !ok || id != conn.ID {
		t.Fatalf("IDFor returned %q/%v, want %q", id, ok, conn.ID)
	}

	removed, ok := tbl.Remove(conn.ID)
	if !ok || removed.ID != conn.ID {
		t.Fatal("remove did not return the connection")
	}
	if _, ok := tbl.IDFor(sock); ok {
		t.Error("handle still resolvable after remove")
	}
	if _, ok := tbl.Get(conn.ID); ok {
		t.Error("id still resolvable after remove")
	}
	if _, ok := tbl.Remove(conn.ID); ok {
		t.Error("second remove should report absence")
	}
}

func TestConnectionTableSnapshotsAreCopies(t *testing.T) {
	tbl := NewConnectionTable()
	conn := tbl.Add(newFakeConn())
	tbl.ReplaceTools(conn.ID, []string{"a", "b"})

	snap, _ := tbl.Get(conn.ID)
	snap.Tools[0] = "mutated"

	fresh, _ := tbl.Get(conn.ID)
	if fresh.Tools[0] != "a" {
		t.Error("mutating a snapshot leaked into table state")
	}
}

func TestConnectionTableTouch(t *testing.T) {
	tbl := NewConnectionTable()
	conn := tbl.Add(newFakeConn())

	before, _ := tbl.Get(conn.ID)
	time.Sleep(2 * time.Millisecond)
	tbl.Touch(conn.ID)
	after, _ := tbl.Get(conn.ID)

	if !after.LastActivity.After(before.LastActivity) {
		t.Error("expected last activity to advance")
	}

	// Touching an unknown id must not panic.
	tbl.Touch("missing")
}

func TestConnectionTableTools(t *testing.T) {
	tbl := NewConnectionTable()
	conn := tbl.Add(newFakeConn())

	if !tbl.ReplaceTools(conn.ID, []string{"a", "b", "c"}) {
		t.Fatal("replace failed")
	}
	removed, ok := tbl.RemoveTools(conn.ID, []string{"b", "zz"})
	if !ok {
		t.Fatal("remove failed")
	}
	if len(removed) != 1 || removed[0] != "b" {
		t.Errorf("expected removed [b], got %v", removed)
	}

	snap, _ := tbl.Get(conn.ID)
	if len(snap.Tools) != 2 || snap.Tools[0] != "a" || snap.Tools[1] != "c" {
		t.Errorf("expected tools [a c], got %v", snap.Tools)
	}

	if tbl.ReplaceTools("missing", []string{"x"}) {
		t.Error("replace on unknown id should fail")
	}
	if _, ok := tbl.RemoveTools("missing", []string{"x"}); ok {
		t.Error("remove on unknown id should fail")
	}
}

func TestConnectionTableIdentityAndAddrs(t *testing.T) {
	tbl := NewConnectionTable()
	conn := tbl.Add(newFakeConn())

	if !tbl.SetIdentity(conn.ID, "node-9", "printer") {
		t.Fatal("set identity failed")
	}
	if !tbl.SetAddrs(conn.ID, []string{"10.0.0.5"}, "198.51.100.2") {
		t.Fatal("set addrs failed")
	}

	snap, _ := tbl.Get(conn.ID)
	if snap.NodeID != "node-9" || snap.Name != "printer" {
		t.Errorf("identity not recorded: %+v", snap)
	}
	if len(snap.LocalIPs) != 1 || snap.LocalIPs[0] != "10.0.0.5" || snap.PublicIP != "198.51.100.2" {
		t.Errorf("addresses not recorded: %+v", snap)
	}
}

func TestConnectionTableList(t *testing.T) {
	tbl := NewConnectionTable()
	tbl.Add(newFakeConn())
	tbl.Add(newFakeConn())

	if got := len(tbl.List()); got != 2 {
		t.Errorf("expected 2 snapshots, got %d", got)
	}
	if tbl.Len() != 2 {
		t.Errorf("expected len 2, got %d", tbl.Len())
	}
}
