package fullmac

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wlanforge/fullmac/fweh"
	"github.com/wlanforge/fullmac/fwil"
)

// busOp is one control transaction recorded by the fake bus.
type busOp struct {
	set     bool
	cmd     fwil.Cmd
	ifidx   uint8
	name    string // iovar name when cmd is GetVar/SetVar
	payload []byte // iovar payload (after name+NUL) or raw command data
}

// fakeBus implements fwil.Bus in-memory: it records every transaction and
// answers gets from programmable response tables.
type fakeBus struct {
	mu  sync.Mutex
	ops []busOp
	// iovarResp answers GetVar by iovar name.
	iovarResp map[string][]byte
	// cmdResp answers get commands by opcode.
	cmdResp map[fwil.Cmd][]byte
	// failSet rejects set transactions by iovar name or command string.
	failSet map[string]int32
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		iovarResp: make(map[string][]byte),
		cmdResp:   make(map[fwil.Cmd][]byte),
		failSet:   make(map[string]int32),
	}
}

func (b *fakeBus) TxCtl(set bool, cmd fwil.Cmd, ifidx uint8, buf []byte) (int, int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op := busOp{set: set, cmd: cmd, ifidx: ifidx}
	key := cmd.String()
	if cmd == fwil.CmdGetVar || cmd == fwil.CmdSetVar {
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			op.name = string(buf[:i])
			op.payload = append([]byte(nil), buf[i+1:]...)
			key = op.name
		}
	} else {
		op.payload = append([]byte(nil), buf...)
	}
	b.ops = append(b.ops, op)

	if set {
		if status, ok := b.failSet[key]; ok {
			return 0, status, nil
		}
		return len(buf), 0, nil
	}
	var resp []byte
	if cmd == fwil.CmdGetVar {
		resp = b.iovarResp[op.name]
	} else {
		resp = b.cmdResp[cmd]
	}
	n := copy(buf, resp)
	if n < len(buf) {
		clear(buf[n:])
	}
	if len(resp) > 0 {
		return len(resp), 0, nil
	}
	return len(buf), 0, nil
}

// history returns a snapshot of recorded operations.
func (b *fakeBus) history() []busOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]busOp(nil), b.ops...)
}

// lastOp returns the most recent operation matching the iovar name or
// command, nil when absent.
func (b *fakeBus) lastOp(key string) *busOp {
	ops := b.history()
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].name == key || ops[i].cmd.String() == key {
			op := ops[i]
			return &op
		}
	}
	return nil
}

// recorder captures every upward callback for assertions.
type recorder struct {
	mu sync.Mutex

	scanResults []ScanResult
	scanEnds    []struct {
		syncID uint16
		end    ScanEnd
	}
	connects []struct {
		ifidx  uint8
		peer   [6]byte
		result ConnectResult
		aid    uint16
	}
	disconnectConfs []uint8
	disconnectInds  []struct {
		ifidx  uint8
		peer   [6]byte
		reason uint16
	}
	saeInds []struct {
		peer [6]byte
		ssid []byte
	}
	saeFrames []SaeFrame
	assocInds []struct {
		sta    [6]byte
		listen uint16
		rsn    []byte
	}
	apConfirms []bool
	signals    []int16
	// order interleaves EAPOL frames and disconnect indications to check
	// arrival ordering across the data and control paths.
	order []string
}

func (r *recorder) ScanResult(_ uint16, res *ScanResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *res
	cp.SSID = append([]byte(nil), res.SSID...)
	r.scanResults = append(r.scanResults, cp)
}

func (r *recorder) ScanEnd(syncID uint16, end ScanEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanEnds = append(r.scanEnds, struct {
		syncID uint16
		end    ScanEnd
	}{syncID, end})
}

func (r *recorder) ConnectConfirm(ifidx uint8, peer [6]byte, result ConnectResult, aid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, struct {
		ifidx  uint8
		peer   [6]byte
		result ConnectResult
		aid    uint16
	}{ifidx, peer, result, aid})
}

func (r *recorder) DisconnectConfirm(ifidx uint8, _ [6]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectConfs = append(r.disconnectConfs, ifidx)
}

func (r *recorder) DisconnectInd(ifidx uint8, peer [6]byte, reason uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectInds = append(r.disconnectInds, struct {
		ifidx  uint8
		peer   [6]byte
		reason uint16
	}{ifidx, peer, reason})
	r.order = append(r.order, "disconnect")
}

func (r *recorder) SaeHandshakeInd(_ uint8, peer [6]byte, ssid []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saeInds = append(r.saeInds, struct {
		peer [6]byte
		ssid []byte
	}{peer, append([]byte(nil), ssid...)})
}

func (r *recorder) SaeFrameRx(_ uint8, f *SaeFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *f
	cp.Fields = append([]byte(nil), f.Fields...)
	r.saeFrames = append(r.saeFrames, cp)
}

func (r *recorder) AssocInd(_ uint8, sta [6]byte, listen uint16, rsn []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assocInds = append(r.assocInds, struct {
		sta    [6]byte
		listen uint16
		rsn    []byte
	}{sta, listen, append([]byte(nil), rsn...)})
}

func (r *recorder) AuthInd(uint8, [6]byte) {}

func (r *recorder) DisassocInd(uint8, [6]byte, uint16) {}

func (r *recorder) StartAPConfirm(_ uint8, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apConfirms = append(r.apConfirms, ok)
}

func (r *recorder) EapolFrame(uint8, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "eapol")
}

func (r *recorder) ChannelSwitch(uint8, uint16) {}

func (r *recorder) SignalReport(_ uint8, rssi int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, rssi)
}

func (r *recorder) snapshotOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type harness struct {
	bus *fakeBus
	rec *recorder
	dev *Device
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	bus := newFakeBus()
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.SyncDispatch = true
	cfg.SignalReportInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	dev, err := New(bus, rec, cfg)
	require.NoError(t, err)
	require.NoError(t, dev.Up())
	t.Cleanup(func() { dev.Close() })
	return &harness{bus: bus, rec: rec, dev: dev}
}

// sendEvent injects one firmware event frame through the full rx path.
func (h *harness) sendEvent(t *testing.T, msg fweh.Message, payload []byte) {
	t.Helper()
	var buf [1536]byte
	n, err := msg.PutFrame(buf[:], payload)
	require.NoError(t, err)
	h.dev.HandleEventFrame(buf[:n])
}

var testPeer = [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

// staInfoResponse builds a sta_info response carrying the given
// association id.
func staInfoResponse(aid uint16) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:], 5)  // version
	binary.LittleEndian.PutUint16(buf[2:], 16) // length
	binary.LittleEndian.PutUint16(buf[4:], 0x0421)
	binary.LittleEndian.PutUint16(buf[6:], aid)
	return buf
}

func TestUpProgramsBringupSequence(t *testing.T) {
	h := newHarness(t, nil)
	require.NotNil(t, h.bus.lastOp("country"), "country locale not programmed")
	require.NotNil(t, h.bus.lastOp("event_msgs"), "event mask not programmed")
	up := h.bus.lastOp(fwil.CmdUp.String())
	require.NotNil(t, up, "radio not brought up")
	require.True(t, h.dev.ClientInterface().Ready())

	// Every subscribed event must have its bit set in the mask.
	mask := h.bus.lastOp("event_msgs").payload
	for _, ev := range []fweh.Event{fweh.EventSetSSID, fweh.EventLink, fweh.EventEscanResult, fweh.EventIF} {
		require.NotZero(t, mask[ev/8]&(1<<(ev%8)), "event %v missing from mask", ev)
	}
}

func TestInterfaceEventAddsAndRemoves(t *testing.T) {
	h := newHarness(t, nil)
	var name [16]byte
	copy(name[:], "wl1")
	h.sendEvent(t, fweh.Message{
		Event: fweh.EventIF, IfIdx: 1, IfName: name, Addr: testPeer,
	}, []byte{1, ifActionAdd, 0, 1, 0})

	ifc := h.dev.ifaceByIdx(1)
	require.NotNil(t, ifc)
	require.Equal(t, "wl1", ifc.Name)
	require.True(t, ifc.Ready())

	h.sendEvent(t, fweh.Message{
		Event: fweh.EventIF, IfIdx: 1,
	}, []byte{1, ifActionDel, 0, 1, 0})
	require.Nil(t, h.dev.ifaceByIdx(1))
}

func TestCloseTearsDownInterfaces(t *testing.T) {
	h := newHarness(t, nil)
	ifc := h.dev.ClientInterface()
	require.NoError(t, h.dev.Close())
	require.False(t, ifc.Ready())
	require.Equal(t, StateIdle, ifc.State())
	require.Error(t, h.dev.Close(), "second close must report the device gone")
}
