package tunnel

import (
	"net"
	"testing"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestTable_OpenGetClose(t *testing.T) {
	table := New()
	local, _ := pipePair(t)

	tun, err := table.Open(7, local, "127.0.0.1:9")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if tun.State() != StateOpen {
		t.Errorf("State() = %v, want StateOpen", tun.State())
	}

	if got := table.Get(7); got != tun {
		t.Errorf("Get(7) = %v, want %v", got, tun)
	}

	removed, ok := table.Close(7)
	if !ok || removed != tun {
		t.Fatalf("Close(7) = (%v, %v), want (%v, true)", removed, ok, tun)
	}
	if table.Get(7) != nil {
		t.Error("tunnel still present after Close")
	}
}

func TestTable_Open_RejectsDuplicateID(t *testing.T) {
	table := New()
	a, _ := pipePair(t)
	b, _ := pipePair(t)

	if _, err := table.Open(1, a, "x:1"); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if _, err := table.Open(1, b, "x:2"); err != ErrAlreadyOpen {
		t.Errorf("second Open() error = %v, want ErrAlreadyOpen", err)
	}
}

func TestTable_Close_UnknownIDIsNoop(t *testing.T) {
	table := New()
	tun, ok := table.Close(42)
	if ok || tun != nil {
		t.Errorf("Close(unknown) = (%v, %v), want (nil, false)", tun, ok)
	}
}

func TestTable_Close_TwiceIsIdempotent(t *testing.T) {
	table := New()
	local, _ := pipePair(t)
	table.Open(1, local, "x:1")

	if _, ok := table.Close(1); !ok {
		t.Fatal("first Close() = false, want true")
	}
	if _, ok := table.Close(1); ok {
		t.Error("second Close() = true, want false (no-op)")
	}
}

func TestTunnel_CloseSocket_OnlyClosesOnce(t *testing.T) {
	local, _ := pipePair(t)
	tun := &Tunnel{ID: 1, Conn: local, state: StateOpen}

	tun.closeSocket()
	tun.closeSocket() // must not panic or double-close

	if _, err := local.Write([]byte("x")); err == nil {
		t.Error("expected write to closed conn to fail")
	}
}

func TestTable_AllTunnels_Snapshot(t *testing.T) {
	table := New()
	for id := uint32(1); id <= 3; id++ {
		local, _ := pipePair(t)
		table.Open(id, local, "x")
	}

	all := table.AllTunnels()
	if len(all) != 3 {
		t.Fatalf("AllTunnels() len = %d, want 3", len(all))
	}
}

func TestTable_CloseAll(t *testing.T) {
	table := New()
	conns := make([]net.Conn, 0, 3)
	for id := uint32(1); id <= 3; id++ {
		local, _ := pipePair(t)
		conns = append(conns, local)
		table.Open(id, local, "x")
	}

	n := table.CloseAll()
	if n != 3 {
		t.Errorf("CloseAll() = %d, want 3", n)
	}
	if table.Len() != 0 {
		t.Errorf("Len() after CloseAll = %d, want 0", table.Len())
	}

	for _, c := range conns {
		if _, err := c.Write([]byte("x")); err == nil {
			t.Error("expected conn closed by CloseAll to reject writes")
		}
	}
}
