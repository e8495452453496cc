// Package fullmac drives the association lifecycle of a Broadcom FullMAC
// WiFi chip: firmware command transport, event dispatch, scanning, client
// connection state and soft-AP bring-up. The caller supplies the bus that
// moves bytes; this package supplies everything above it up to the MLME
// boundary.
package fullmac

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/wlanforge/fullmac/fweh"
	"github.com/wlanforge/fullmac/fwil"
)

var (
	errDeviceClosed = errors.New("fullmac: device closed")
	errNotReady     = errors.New("fullmac: interface not ready")
	errNoInterface  = errors.New("fullmac: no such interface")
	errIfaceExists  = errors.New("fullmac: interface index already registered")
)

// levelTrace is lower than the slog debug level, for chatty per-event logs.
const levelTrace = slog.LevelDebug - 1

// Device is one FullMAC radio. All event and timer callbacks run on a
// single worker so handler code never races with itself; host-facing
// request methods may be called from any goroutine.
type Device struct {
	cfg    Config
	logger *slog.Logger
	cb     Callbacks
	fwil   *fwil.Controller
	disp   *fweh.Dispatcher

	mu     sync.Mutex
	ifaces [maxInterfaces]*Interface
	closed bool

	scan scanState

	// subscribed lists the event codes claimed at construction; it is the
	// source for the firmware event mask programmed at bring-up.
	subscribed []fweh.Event
}

// New wires a Device to a command bus. The primary client interface exists
// immediately at index zero but rejects requests until Up succeeds.
func New(bus fwil.Bus, cb Callbacks, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if cb == nil {
		cb = NopCallbacks{}
	}
	ctl, err := fwil.NewController(bus, cfg.Logger)
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:    cfg,
		logger: cfg.Logger,
		cb:     cb,
		fwil:   ctl,
	}
	d.disp = fweh.NewDispatcher(fweh.DispatcherConfig{
		Logger:      cfg.Logger,
		QueueDepth:  cfg.EventQueueDepth,
		Synchronous: cfg.SyncDispatch,
	})
	d.scan.timer = newSyncTimer(d.disp, d.onScanTimeout)

	primary := d.newInterface(0, 0, RoleClient, [6]byte{}, "wl0")
	d.ifaces[0] = primary

	d.disp.HandleIF(d.handleIFEvent)
	d.disp.HandleEapol(d.handleEapol)
	if err := d.registerHandlers(); err != nil {
		d.disp.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) newInterface(idx, bsscfg uint8, role Role, mac [6]byte, name string) *Interface {
	ifc := &Interface{
		Index:     idx,
		BSSCfgIdx: bsscfg,
		Role:      role,
		MAC:       mac,
		Name:      name,
	}
	ifc.connectTimer = newSyncTimer(d.disp, func() { d.onConnectTimeout(ifc) })
	ifc.disconnectTimer = newSyncTimer(d.disp, func() { d.onDisconnectTimeout(ifc) })
	ifc.apStartTimer = newSyncTimer(d.disp, func() { d.onAPStartTimeout(ifc) })
	ifc.signalTimer = newSyncTimer(d.disp, func() { d.onSignalPoll(ifc) })
	return ifc
}

// register claims one event code and remembers it for the firmware mask.
func (d *Device) register(ev fweh.Event, h fweh.Handler) error {
	if err := d.disp.Register(ev, h); err != nil {
		return err
	}
	d.subscribed = append(d.subscribed, ev)
	return nil
}

func (d *Device) registerHandlers() error {
	type reg struct {
		ev fweh.Event
		h  fweh.Handler
	}
	regs := []reg{
		{fweh.EventEscanResult, d.handleEscanResult},
		{fweh.EventSetSSID, d.handleSetSSID},
		{fweh.EventLink, d.handleLink},
		{fweh.EventAuth, d.handleAuth},
		{fweh.EventDeauth, d.handleDeauth},
		{fweh.EventDeauthInd, d.handleDeauth},
		{fweh.EventDisassoc, d.handleDisassoc},
		{fweh.EventDisassocInd, d.handleDisassoc},
		{fweh.EventPSKSup, d.handlePSKSup},
		{fweh.EventJoinStart, d.handleJoinStart},
		{fweh.EventAuthInd, d.handleAuthInd},
		{fweh.EventAssocInd, d.handleAssocInd},
		{fweh.EventReassocInd, d.handleAssocInd},
		{fweh.EventAPStarted, d.handleAPStarted},
		{fweh.EventCSAComplete, d.handleCSAComplete},
	}
	if d.cfg.featureEnabled(FeatureSAE) {
		regs = append(regs,
			reg{fweh.EventExtAuthReq, d.handleExtAuthReq},
			reg{fweh.EventExtAuthFrameRx, d.handleExtAuthFrameRx},
			reg{fweh.EventMgmtFrameTxStatus, d.handleMgmtTxStatus},
		)
	}
	for _, r := range regs {
		if err := d.register(r.ev, r.h); err != nil {
			return err
		}
	}
	return nil
}

// Up brings the firmware to an operational state: regulatory domain,
// event subscriptions, roam and power knobs, then the radio itself.
// The primary interface accepts requests only after Up returns nil.
func (d *Device) Up() error {
	ifc := d.ClientInterface()
	if ifc == nil {
		return errNoInterface
	}
	if err := d.setCountry(d.cfg.CountryCode); err != nil {
		return err
	}
	if err := d.enableEvents(); err != nil {
		return err
	}
	if d.cfg.RoamOff {
		if err := d.fwil.SetIOVar(0, "roam_off", 1); err != nil && !fwil.IsUnsupported(err) {
			return err
		}
	}
	// Power save off during association control; the host re-enables it
	// around scans (see scan.go) and may retune after connect.
	if err := d.fwil.CmdUint32(0, fwil.CmdSetPM, pmDisabled); err != nil {
		return err
	}
	if err := d.fwil.Cmd(0, fwil.CmdUp, nil); err != nil {
		return err
	}
	if err := d.readMAC(ifc); err != nil {
		return err
	}
	ifc.ready.Store(true)
	d.info("up", slog.String("country", d.cfg.CountryCode), slog.String("mac", macString(ifc.MAC)))
	return nil
}

// Power management modes for CmdSetPM.
const (
	pmDisabled uint32 = 0
	pmFast     uint32 = 2
)

func (d *Device) readMAC(ifc *Interface) error {
	var mac [6]byte
	if _, err := d.fwil.GetIOVarN(ifc.Index, "cur_etheraddr", mac[:]); err != nil {
		return err
	}
	ifc.MAC = mac
	return nil
}

// setCountry programs the country locale blob: ccode[4], rev, ccode2[4].
// Revision -1 asks firmware to pick the newest table for the code.
func (d *Device) setCountry(code string) error {
	if len(code) != 2 {
		return errors.New("fullmac: country code must be 2 letters")
	}
	var buf [12]byte
	copy(buf[0:2], code)
	binary.LittleEndian.PutUint32(buf[4:], 0xFFFFFFFF) // rev -1
	copy(buf[8:10], code)
	return d.fwil.SetIOVarN(0, "country", buf[:])
}

// enableEvents programs the event_msgs bitmap with every subscribed code
// plus the inline IF event.
func (d *Device) enableEvents() error {
	var mask [24]byte
	set := func(ev fweh.Event) {
		if int(ev)/8 < len(mask) {
			mask[ev/8] |= 1 << (ev % 8)
		}
	}
	for _, ev := range d.subscribed {
		set(ev)
	}
	set(fweh.EventIF)
	return d.fwil.SetIOVarN(0, "event_msgs", mask[:])
}

// HandleEventFrame feeds one raw event frame from the control channel into
// the dispatcher. Malformed frames are logged and dropped here so the rx
// path never stalls on one bad frame.
func (d *Device) HandleEventFrame(frame []byte) {
	if err := d.disp.ProcessFrame(frame); err != nil {
		d.debug("event:drop", slog.String("err", err.Error()), slog.Int("len", len(frame)))
	}
}

// DeliverEapol hands an EAPOL frame from the data path to the dispatcher
// so it stays ordered against events (an EAPOL frame and the deauth behind
// it must reach the caller in arrival order).
func (d *Device) DeliverEapol(ifidx uint8, frame []byte) {
	if err := d.disp.QueueEapol(ifidx, frame); err != nil {
		d.debug("eapol:drop", slog.String("err", err.Error()))
	}
}

func (d *Device) handleEapol(ifidx uint8, frame []byte) {
	d.cb.EapolFrame(ifidx, frame)
}

// IF event actions (payload byte 1).
const (
	ifActionAdd    = 1
	ifActionDel    = 2
	ifActionChange = 3
)

// handleIFEvent runs inline on the rx path, ahead of everything queued,
// because it creates or destroys the interface state queued handlers use.
// Payload layout: ifidx, action, flags, bsscfgidx, role.
func (d *Device) handleIFEvent(msg *fweh.Message, payload []byte) {
	if len(payload) < 4 {
		d.warn("if:short_payload", slog.Int("len", len(payload)))
		return
	}
	ifidx, action, bsscfg := payload[0], payload[1], payload[3]
	switch action {
	case ifActionAdd:
		role := RoleInternal
		if len(payload) >= 5 {
			switch payload[4] {
			case 0:
				role = RoleClient
			case 1:
				role = RoleAP
			}
		}
		name := ifName(msg.IfName)
		ifc := d.newInterface(ifidx, bsscfg, role, msg.Addr, name)
		ifc.ready.Store(true)
		if err := d.addInterface(ifc); err != nil {
			d.warn("if:add", slog.String("err", err.Error()), slog.Uint64("ifidx", uint64(ifidx)))
			return
		}
		d.info("if:add", slog.Uint64("ifidx", uint64(ifidx)), slog.String("name", name))
	case ifActionDel:
		d.removeInterface(ifidx)
		d.info("if:del", slog.Uint64("ifidx", uint64(ifidx)))
	case ifActionChange:
		if ifc := d.ifaceByIdx(ifidx); ifc != nil {
			ifc.MAC = msg.Addr
			ifc.BSSCfgIdx = bsscfg
		}
	default:
		d.debug("if:unknown_action", slog.Uint64("action", uint64(action)))
	}
}

func (d *Device) addInterface(ifc *Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(ifc.Index) >= len(d.ifaces) {
		return errNoInterface
	}
	if d.ifaces[ifc.Index] != nil {
		return errIfaceExists
	}
	d.ifaces[ifc.Index] = ifc
	return nil
}

// removeInterface tears the interface down and frees the slot. The primary
// slot is never freed; it only loses readiness.
func (d *Device) removeInterface(ifidx uint8) {
	d.mu.Lock()
	ifc := (*Interface)(nil)
	if int(ifidx) < len(d.ifaces) {
		ifc = d.ifaces[ifidx]
		if ifidx != 0 {
			d.ifaces[ifidx] = nil
		}
	}
	d.mu.Unlock()
	if ifc != nil {
		ifc.teardown()
	}
}

// Close aborts in-flight work and stops the event worker. The Device must
// not be used afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDeviceClosed
	}
	d.closed = true
	d.mu.Unlock()

	d.forceAbortScan()
	for i := range d.ifaces {
		if ifc := d.ifaceByIdx(uint8(i)); ifc != nil {
			ifc.teardown()
		}
	}
	d.disp.Close()
	return nil
}

func ifName(raw [16]byte) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func macString(mac [6]byte) string {
	const hexdigits = "0123456789abcdef"
	var b [17]byte
	for i, v := range mac {
		b[i*3] = hexdigits[v>>4]
		b[i*3+1] = hexdigits[v&0xf]
		if i < 5 {
			b[i*3+2] = ':'
		}
	}
	return string(b[:])
}

// Logging helpers in the style of the rest of the driver: level-gated,
// attribute based, no format strings on the hot path.

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		d.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (d *Device) logenabled(level slog.Level) bool {
	return d.logger != nil && d.logger.Enabled(context.Background(), level)
}

func (d *Device) trace(msg string, attrs ...slog.Attr) { d.logattrs(levelTrace, msg, attrs...) }
func (d *Device) debug(msg string, attrs ...slog.Attr) { d.logattrs(slog.LevelDebug, msg, attrs...) }
func (d *Device) info(msg string, attrs ...slog.Attr)  { d.logattrs(slog.LevelInfo, msg, attrs...) }
func (d *Device) warn(msg string, attrs ...slog.Attr)  { d.logattrs(slog.LevelWarn, msg, attrs...) }
func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}
