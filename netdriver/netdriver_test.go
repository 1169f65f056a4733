package netdriver

import (
	"encoding/binary"
	"testing"

	"github.com/glenda-project/drivers/ioring"
	"github.com/glenda-project/drivers/virtio/transport"
)

func newTestWindow(mac [6]byte) []byte {
	w := make([]byte, 0x200)
	binary.LittleEndian.PutUint32(w[0x00:], transport.Magic)
	binary.LittleEndian.PutUint32(w[0x04:], transport.ModernVersion)
	binary.LittleEndian.PutUint32(w[0x08:], 1)
	copy(w[0x100:0x106], mac[:])
	return w
}

func newTestCore(t *testing.T, queueSize uint16) *Core {
	t.Helper()
	window := newTestWindow([6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	scratch := make([]byte, 1<<20)

	core := New("netdriver-test")
	if err := core.Init(window, scratch, 0, 0, queueSize); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return core
}

func TestInitReadsMAC(t *testing.T) {
	core := newTestCore(t, 4)
	want := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	if got := core.GetMAC(); got != want {
		t.Fatalf("GetMAC() = %x, want %x", got, want)
	}
}

// TestGetMACMatchesConfigBlock is scenario S6: a config block whose first
// six bytes are a given station address must come back unchanged from
// GetMAC, independent of what bytes follow it in the config region.
func TestGetMACMatchesConfigBlock(t *testing.T) {
	mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	window := newTestWindow(mac)
	core := New("netdriver-test")
	if err := core.Init(window, make([]byte, 1<<20), 0, 0, 4); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := core.GetMAC(); got != mac {
		t.Fatalf("GetMAC() = %x, want %x", got, mac)
	}
}

func TestInitConstructsBothQueues(t *testing.T) {
	core := newTestCore(t, 8)
	if core.rx == nil || core.tx == nil {
		t.Fatal("expected both rx and tx queues to be constructed")
	}
	if core.rx.Index == core.tx.Index {
		t.Fatal("rx and tx queues must have distinct indices")
	}
}

func setupRunning(t *testing.T, core *Core, geom ioring.Geometry) *ioring.Submitter {
	t.Helper()
	ringBuf := make([]byte, geom.Size())
	sub, err := ioring.NewSubmitter(ringBuf, geom)
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}
	srv, err := ioring.NewServer(ringBuf, geom)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := core.SetupRing(srv, nil, 0); err != nil {
		t.Fatalf("SetupRing: %v", err)
	}
	return sub
}

// TestReadRoutesToRxWriteRoutesToTx checks spec §4.4.5's opcode routing:
// READ consumes rx descriptors, WRITE consumes tx descriptors, each queue
// tracked independently.
func TestReadRoutesToRxWriteRoutesToTx(t *testing.T) {
	core := newTestCore(t, 8)
	sub := setupRunning(t, core, ioring.Geometry{SQEntries: 4, CQEntries: 4})

	rxFreeBefore := core.rx.NumFree()
	txFreeBefore := core.tx.NumFree()

	sub.Submit(ioring.SQE{Opcode: ioring.OpRead, Addr: 0, Len: 1500, UserData: 1})
	if err := core.DrainSubmissions(); err != nil {
		t.Fatalf("DrainSubmissions: %v", err)
	}

	if core.rx.NumFree() != rxFreeBefore-2 {
		t.Fatalf("rx NumFree = %d, want %d (2 descriptors consumed)", core.rx.NumFree(), rxFreeBefore-2)
	}
	if core.tx.NumFree() != txFreeBefore {
		t.Fatalf("tx NumFree = %d, want unchanged %d", core.tx.NumFree(), txFreeBefore)
	}

	sub.Submit(ioring.SQE{Opcode: ioring.OpWrite, Addr: 0, Len: 1500, UserData: 2})
	if err := core.DrainSubmissions(); err != nil {
		t.Fatalf("DrainSubmissions: %v", err)
	}
	if core.tx.NumFree() != txFreeBefore-2 {
		t.Fatalf("tx NumFree = %d, want %d (2 descriptors consumed)", core.tx.NumFree(), txFreeBefore-2)
	}
}

func TestUnknownOpcodeRejected(t *testing.T) {
	core := newTestCore(t, 8)
	sub := setupRunning(t, core, ioring.Geometry{SQEntries: 4, CQEntries: 4})

	sub.Submit(ioring.SQE{Opcode: ioring.OpSync, UserData: 3})
	if err := core.DrainSubmissions(); err != nil {
		t.Fatalf("DrainSubmissions: %v", err)
	}

	cqe, ok := sub.TryNextCompletion()
	if !ok || cqe.Res >= 0 {
		t.Fatalf("got CQE %+v, want a negative Res: net has no SYNC opcode", cqe)
	}
}
