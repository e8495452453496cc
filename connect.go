package fullmac

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/wlanforge/fullmac/fweh"
	"github.com/wlanforge/fullmac/fwil"
)

var (
	errConnBusy      = errors.New("fullmac: connect already in progress")
	errNotConnected  = errors.New("fullmac: not connected")
	errBadSSID       = errors.New("fullmac: SSID must be 1..32 bytes")
	errPeerMismatch  = errors.New("fullmac: peer does not match the current association")
	errDisconnecting = errors.New("fullmac: previous disconnect still completing")
)

// ConnectRequest asks for an association with one network.
type ConnectRequest struct {
	SSID []byte
	// BSSID pins the target AP; zero means any AP advertising the SSID.
	BSSID [6]byte
	// Channel pins the control channel; zero lets firmware scan for it.
	Channel  uint16
	Security SecurityConfig
}

func (r *ConnectRequest) targeted() bool {
	return r.BSSID != [6]byte{} || r.Channel != 0
}

// Connect starts an association. Errors returned here mean the request was
// rejected and no callback will follow; once Connect returns nil, exactly
// one ConnectConfirm is guaranteed, from a firmware event or the connect
// timer, whichever comes first.
func (d *Device) Connect(ifidx uint8, req ConnectRequest) error {
	ifc := d.ifaceByIdx(ifidx)
	if ifc == nil {
		return errNoInterface
	}
	if !ifc.Ready() {
		return errNotReady
	}
	if len(req.SSID) == 0 || len(req.SSID) > maxSSIDLen {
		return errBadSSID
	}
	if req.Security.Type == SecurityWPA3 && !d.cfg.featureEnabled(FeatureSAE) {
		return errBadSecurity
	}

	// A disconnect that has not seen its link-down yet holds the
	// interface in Disconnecting. Wait briefly for the gate rather than
	// bouncing the request back for an inevitable immediate retry.
	if ifc.State() == StateDisconnecting {
		if !d.waitDisconnectGate(ifc) {
			return errDisconnecting
		}
	}

	// The interface is claimed before credentials go to firmware so a
	// concurrent Connect cannot interleave its own security install.
	if !ifc.transition(StateIdle, StateConnecting) {
		return errConnBusy
	}
	ifc.saeAuth.Store(false)

	if err := d.configureSecurity(ifc, &req.Security); err != nil {
		ifc.transition(StateConnecting, StateIdle)
		return err
	}

	ifc.mu.Lock()
	stored := req
	stored.SSID = append([]byte(nil), req.SSID...)
	ifc.pendingConnect = &stored
	ifc.profile = Profile{
		BSSID:    req.BSSID,
		SSID:     stored.SSID,
		Security: req.Security,
	}
	ifc.mu.Unlock()

	var err error
	if req.targeted() {
		err = d.fwil.SetIOVarN(ifc.Index, "join", encodeJoinParams(&req))
	} else {
		var field [ssidFieldLen]byte
		putSSIDField(field[:], req.SSID)
		err = d.fwil.Cmd(ifc.Index, fwil.CmdSetSSID, field[:])
	}
	if err != nil {
		// Rejected: undo the claim, no callback.
		ifc.transition(StateConnecting, StateIdle)
		ifc.mu.Lock()
		ifc.pendingConnect = nil
		ifc.profile = Profile{}
		ifc.mu.Unlock()
		return err
	}

	ifc.connectTimer.Arm(d.cfg.ConnectTimeout)
	d.info("connect:start", slog.Uint64("ifidx", uint64(ifidx)), slog.String("ssid", string(req.SSID)))
	return nil
}

// waitDisconnectGate blocks until the in-flight disconnect finishes, up to
// the configured gate wait. Reports whether the interface left
// Disconnecting.
func (d *Device) waitDisconnectGate(ifc *Interface) bool {
	ifc.mu.Lock()
	gate := ifc.disconnectDone
	ifc.mu.Unlock()
	if gate == nil {
		return ifc.State() != StateDisconnecting
	}
	select {
	case <-gate:
		return true
	case <-time.After(d.cfg.DisconnectGateWait):
		return ifc.State() != StateDisconnecting
	}
}

// encodeJoinParams lays out ext_join_params: a 36-byte SSID field followed
// by assoc params (BSSID, pad, chanspec count, chanspec list).
func encodeJoinParams(req *ConnectRequest) []byte {
	nchan := 0
	if req.Channel != 0 {
		nchan = 1
	}
	buf := make([]byte, ssidFieldLen+6+2+4+2*nchan)
	putSSIDField(buf[0:ssidFieldLen], req.SSID)
	bssid := req.BSSID
	if bssid == ([6]byte{}) {
		bssid = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	}
	copy(buf[ssidFieldLen:], bssid[:])
	binary.LittleEndian.PutUint32(buf[ssidFieldLen+8:], uint32(nchan))
	if nchan == 1 {
		binary.LittleEndian.PutUint16(buf[ssidFieldLen+12:], chanspec20(req.Channel))
	}
	return buf
}

// Disconnect tears the association with peer down. The peer must match
// the BSSID of the current association; a stale request naming some other
// AP is rejected before it can touch state. The request is terminal via
// DisconnectConfirm: either firmware's link-down arrives or the disconnect
// timer forces completion.
func (d *Device) Disconnect(ifidx uint8, peer [6]byte) error {
	ifc := d.ifaceByIdx(ifidx)
	if ifc == nil {
		return errNoInterface
	}
	if !ifc.Ready() {
		return errNotReady
	}
	prev := ifc.State()
	if prev != StateConnected && prev != StateConnecting {
		return errNotConnected
	}
	ifc.mu.Lock()
	bssid := ifc.profile.BSSID
	ifc.mu.Unlock()
	// An untargeted join still Connecting has no BSSID yet; nothing to
	// compare the request against in that window.
	if bssid != ([6]byte{}) && peer != bssid {
		return errPeerMismatch
	}
	if !ifc.transition(prev, StateDisconnecting) {
		return errNotConnected
	}
	ifc.saeAuth.Store(false)
	ifc.signalTimer.Disarm()

	ifc.mu.Lock()
	if ifc.disconnectDone == nil {
		ifc.disconnectDone = make(chan struct{})
	}
	ifc.mu.Unlock()

	// Armed before the command goes out: the firmware event can beat the
	// command's completion on a fast bus, and the completion path expects
	// a timer it can disarm.
	ifc.disconnectTimer.Arm(d.cfg.DisconnectTimeout)

	var scb [10]byte
	binary.LittleEndian.PutUint32(scb[0:], uint32(reasonDeauthLeaving))
	copy(scb[4:], bssid[:])
	if err := d.fwil.Cmd(ifc.Index, fwil.CmdSCBDeauthenticate, scb[:]); err != nil {
		ifc.disconnectTimer.Disarm()
		ifc.transition(StateDisconnecting, prev)
		return err
	}
	d.info("disconnect:start", slog.Uint64("ifidx", uint64(ifidx)))
	return nil
}

// 802.11 reason codes used on the deauth path.
const (
	reasonUnspecified   = 1
	reasonDeauthLeaving = 3
)

// finishDisconnect is the single completion point of a host disconnect.
// Exactly-once is carried by the Disconnecting->Idle transition.
func (d *Device) finishDisconnect(ifc *Interface) {
	if !ifc.transition(StateDisconnecting, StateIdle) {
		return
	}
	ifc.disconnectTimer.Disarm()
	ifc.mu.Lock()
	peer := ifc.profile.BSSID
	ifc.profile.clearKeepBSSID()
	ifc.pendingConnect = nil
	ifc.stats = connStats{}
	if ifc.disconnectDone != nil {
		close(ifc.disconnectDone)
		ifc.disconnectDone = nil
	}
	ifc.mu.Unlock()
	d.info("disconnect:done", slog.Uint64("ifidx", uint64(ifc.Index)))
	d.cb.DisconnectConfirm(ifc.Index, peer)
}

func (d *Device) onDisconnectTimeout(ifc *Interface) {
	if ifc.State() != StateDisconnecting {
		return
	}
	d.warn("disconnect:timeout", slog.Uint64("ifidx", uint64(ifc.Index)))
	d.finishDisconnect(ifc)
}

// connectFailed is the single failure point of a connect attempt. The
// Connecting->Idle transition makes it exactly-once against concurrent
// events and the connect timer.
func (d *Device) connectFailed(ifc *Interface, result ConnectResult) {
	if !ifc.transition(StateConnecting, StateIdle) {
		return
	}
	ifc.saeAuth.Store(false)
	ifc.connectTimer.Disarm()
	// Firmware may still be mid-join when the host gives up. A best-effort
	// disassoc clears its association state so the next attempt starts
	// clean instead of colliding with the stalled one.
	var reason [4]byte
	binary.LittleEndian.PutUint32(reason[0:], uint32(reasonUnspecified))
	if err := d.fwil.Cmd(ifc.Index, fwil.CmdDisassoc, reason[:]); err != nil {
		d.debug("connect:abort_cmd", slog.String("err", err.Error()))
	}
	ifc.mu.Lock()
	peer := ifc.profile.BSSID
	ifc.profile = Profile{}
	ifc.pendingConnect = nil
	ifc.mu.Unlock()
	d.info("connect:failed", slog.Uint64("ifidx", uint64(ifc.Index)), slog.Uint64("result", uint64(result)))
	d.cb.ConnectConfirm(ifc.Index, peer, result, 0)
}

// connectSucceeded completes a connect attempt. The association ID comes
// from a live station query, not from the event, which does not carry it.
func (d *Device) connectSucceeded(ifc *Interface) {
	if !ifc.transition(StateConnecting, StateConnected) {
		return
	}
	ifc.saeAuth.Store(false)
	ifc.connectTimer.Disarm()
	ifc.mu.Lock()
	peer := ifc.profile.BSSID
	ifc.pendingConnect = nil
	ifc.stats.connectedAt = time.Now()
	ifc.mu.Unlock()

	aid, err := d.queryAID(ifc, peer)
	if err != nil {
		d.debug("connect:aid_query", slog.String("err", err.Error()))
		aid = 0
	}
	if d.cfg.SignalReportInterval > 0 {
		ifc.signalTimer.Arm(d.cfg.SignalReportInterval)
	}
	d.info("connect:done", slog.Uint64("ifidx", uint64(ifc.Index)),
		slog.String("bssid", macString(peer)), slog.Uint64("aid", uint64(aid)))
	d.cb.ConnectConfirm(ifc.Index, peer, ConnectSuccess, aid)
}

func (d *Device) onConnectTimeout(ifc *Interface) {
	if ifc.State() != StateConnecting {
		return
	}
	d.warn("connect:timeout", slog.Uint64("ifidx", uint64(ifc.Index)))
	d.connectFailed(ifc, ConnectUnspecified)
}

// queryAID asks firmware for the station record of the peer we just
// associated to. Response header: version u16, length u16, capability u16,
// association id u16.
func (d *Device) queryAID(ifc *Interface, peer [6]byte) (uint16, error) {
	var res [64]byte
	n, err := d.fwil.QueryIOVarN(ifc.Index, "sta_info", peer[:], res[:])
	if err != nil {
		return 0, err
	}
	if n < 8 {
		return 0, errors.New("fullmac: short sta_info response")
	}
	return binary.LittleEndian.Uint16(res[6:]), nil
}

// handleSetSSID is the terminal event of a join request.
func (d *Device) handleSetSSID(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil || ifc.State() != StateConnecting {
		return
	}
	switch msg.Status {
	case fweh.StatusSuccess:
		ifc.mu.Lock()
		if ifc.profile.BSSID == ([6]byte{}) {
			ifc.profile.BSSID = msg.Addr
		}
		ifc.mu.Unlock()
		d.connectSucceeded(ifc)
	case fweh.StatusNoNetworks:
		d.connectFailed(ifc, ConnectNoNetwork)
	default:
		d.connectFailed(ifc, ConnectUnspecified)
	}
}

// handleLink tracks the generic link indication. Link-up during a join
// records the AP we actually landed on; link-down is a disconnect
// completion, a connection loss or a failed join depending on state.
func (d *Device) handleLink(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil {
		return
	}
	if ifc.Role == RoleAP || ifc.APState() != APIdle {
		d.handleAPLink(ifc, msg)
		return
	}
	if msg.Flags&fweh.FlagLinkUp != 0 {
		ifc.mu.Lock()
		ifc.profile.BSSID = msg.Addr
		ifc.mu.Unlock()
		d.trace("link:up", slog.String("bssid", macString(msg.Addr)))
		return
	}
	// Link down.
	switch ifc.State() {
	case StateDisconnecting:
		d.finishDisconnect(ifc)
	case StateConnected:
		d.linkLost(ifc, uint16(msg.Reason))
	case StateConnecting:
		if d.cfg.IgnoreProbeFail && msg.Status == fweh.StatusFail {
			d.trace("link:probe_fail_ignored")
			return
		}
		d.connectFailed(ifc, ConnectUnspecified)
	}
}

// linkLost handles a firmware- or peer-initiated loss of an established
// connection. Exactly-once via the Connected->Idle transition.
func (d *Device) linkLost(ifc *Interface, reason uint16) {
	if !ifc.transition(StateConnected, StateIdle) {
		return
	}
	ifc.signalTimer.Disarm()
	ifc.mu.Lock()
	peer := ifc.profile.BSSID
	ifc.profile.clearKeepBSSID()
	ifc.stats = connStats{}
	ifc.mu.Unlock()
	d.info("link:lost", slog.Uint64("ifidx", uint64(ifc.Index)), slog.Uint64("reason", uint64(reason)))
	d.cb.DisconnectInd(ifc.Index, peer, reason)
}

// handleDeauth covers DEAUTH and DEAUTH_IND; handleDisassoc covers
// DISASSOC and DISASSOC_IND. Same state logic, different log tags.
func (d *Device) handleDeauth(msg *fweh.Message, _ []byte) {
	d.handlePeerDrop(msg, "deauth")
}

func (d *Device) handleDisassoc(msg *fweh.Message, _ []byte) {
	d.handlePeerDrop(msg, "disassoc")
}

func (d *Device) handlePeerDrop(msg *fweh.Message, what string) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil {
		return
	}
	if ifc.Role == RoleAP || ifc.APState() == APUp {
		// Station leaving the local AP.
		d.cb.DisassocInd(ifc.Index, msg.Addr, uint16(msg.Reason))
		return
	}
	d.trace(what, slog.String("peer", macString(msg.Addr)), slog.Uint64("reason", uint64(msg.Reason)))
	switch ifc.State() {
	case StateDisconnecting:
		d.finishDisconnect(ifc)
	case StateConnected:
		d.linkLost(ifc, uint16(msg.Reason))
	case StateConnecting:
		d.connectFailed(ifc, ConnectRefused)
	}
}

// supKeyed is the PSK_SUP status reporting a completed 4-way handshake.
const supKeyed = 6

// handlePSKSup tracks the internal supplicant's 4-way handshake. A
// handshake failure during a join fails the join as an auth failure;
// firmware follows with its own deauth, which the state machine has
// already absorbed by then.
func (d *Device) handlePSKSup(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil {
		return
	}
	if msg.Status == supKeyed {
		d.debug("supplicant:keyed", slog.Uint64("ifidx", uint64(msg.IfIdx)))
		return
	}
	if ifc.State() == StateConnecting && msg.Reason != 0 {
		d.connectFailed(ifc, ConnectAuthFailed)
	}
}

// handleAuth consumes 802.11 AUTH status. During the external SAE exchange
// a successful AUTH ends the handshake sub-state; a failure ends the whole
// join attempt.
func (d *Device) handleAuth(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil {
		return
	}
	if msg.Status == fweh.StatusSuccess {
		if ifc.saeAuth.CompareAndSwap(true, false) {
			d.debug("sae:auth_done", slog.Uint64("ifidx", uint64(msg.IfIdx)))
		}
		return
	}
	// Handshake sub-state clears before the generic failure path so the
	// failure callback never observes a live SAE exchange.
	ifc.saeAuth.Store(false)
	if ifc.State() == StateConnecting {
		d.connectFailed(ifc, ConnectAuthFailed)
	}
}

// onSignalPoll runs on the signal timer while connected: sample RSSI,
// report upward, re-arm.
func (d *Device) onSignalPoll(ifc *Interface) {
	if ifc.State() != StateConnected {
		return
	}
	rssi, err := d.fwil.CmdUint32Get(ifc.Index, fwil.CmdGetRSSI)
	if err != nil {
		d.debug("signal:poll", slog.String("err", err.Error()))
	} else {
		v := int16(int32(rssi))
		ifc.mu.Lock()
		ifc.stats.lastRSSI = v
		ifc.stats.signalReports++
		ifc.mu.Unlock()
		d.cb.SignalReport(ifc.Index, v)
	}
	if ifc.State() == StateConnected && d.cfg.SignalReportInterval > 0 {
		ifc.signalTimer.Arm(d.cfg.SignalReportInterval)
	}
}

// handleCSAComplete reports a finished channel switch with the new control
// channel read back from firmware.
func (d *Device) handleCSAComplete(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil {
		return
	}
	spec, err := d.fwil.GetIOVar(ifc.Index, "chanspec")
	if err != nil {
		d.debug("csa:chanspec", slog.String("err", err.Error()))
		return
	}
	d.cb.ChannelSwitch(ifc.Index, chanspecChannel(uint16(spec)))
}
