package fullmac

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/wlanforge/fullmac/fweh"
	"github.com/wlanforge/fullmac/fwil"
)

var (
	errAPBusy      = errors.New("fullmac: AP already starting or up")
	errAPSecurity  = errors.New("fullmac: AP supports open, WPA2 and WPA3 only")
	errAPNoChannel = errors.New("fullmac: AP requires a channel")
)

// APConfig describes the BSS a StartAP request brings up.
type APConfig struct {
	SSID    []byte
	Channel uint16
	// Security accepts open, WPA2 and WPA3 configurations.
	Security SecurityConfig
	// BeaconPeriod in TUs; zero means 100.
	BeaconPeriod uint16
	// DTIMPeriod in beacons; zero means 1.
	DTIMPeriod uint8
	// Hidden suppresses the SSID in beacons.
	Hidden bool
}

// StartAP brings up a BSS on the interface. Errors mean the request was
// rejected with no state change; once it returns nil, exactly one
// StartAPConfirm follows, from the AP-started event or the start timer.
func (d *Device) StartAP(ifidx uint8, cfg APConfig) error {
	ifc := d.ifaceByIdx(ifidx)
	if ifc == nil {
		return errNoInterface
	}
	if !ifc.Ready() {
		return errNotReady
	}
	if len(cfg.SSID) == 0 || len(cfg.SSID) > maxSSIDLen {
		return errBadSSID
	}
	if cfg.Channel == 0 {
		return errAPNoChannel
	}
	switch cfg.Security.Type {
	case SecurityOpen, SecurityWPA2, SecurityWPA3:
	default:
		return errAPSecurity
	}
	if err := cfg.Security.validate(); err != nil {
		return err
	}
	if !ifc.apTransition(APIdle, APStarting) {
		return errAPBusy
	}

	// An in-flight scan and an AP bring-up fight over the radio; the scan
	// loses and ends as aborted before the BSS comes up.
	d.forceAbortScan()

	if err := d.startAPSequence(ifc, &cfg); err != nil {
		ifc.apTransition(APStarting, APIdle)
		return err
	}

	ifc.mu.Lock()
	ifc.profile.SSID = append([]byte(nil), cfg.SSID...)
	ifc.profile.Security = cfg.Security
	ifc.profile.BeaconPeriod = cfg.BeaconPeriod
	ifc.mu.Unlock()

	ifc.apStartTimer.Arm(d.cfg.APStartTimeout)
	d.info("ap:start", slog.Uint64("ifidx", uint64(ifidx)),
		slog.String("ssid", string(cfg.SSID)), slog.Uint64("channel", uint64(cfg.Channel)))
	return nil
}

func (d *Device) startAPSequence(ifc *Interface, cfg *APConfig) error {
	if err := d.fwil.CmdUint32(ifc.Index, fwil.CmdSetAP, 1); err != nil {
		return err
	}
	if err := d.fwil.SetIOVar(ifc.Index, "chanspec", uint32(chanspec20(cfg.Channel))); err != nil {
		return err
	}
	bcn := cfg.BeaconPeriod
	if bcn == 0 {
		bcn = 100
	}
	if err := d.fwil.CmdUint32(ifc.Index, fwil.CmdSetBeaconPeriod, uint32(bcn)); err != nil {
		return err
	}
	dtim := cfg.DTIMPeriod
	if dtim == 0 {
		dtim = 1
	}
	if err := d.fwil.CmdUint32(ifc.Index, fwil.CmdSetDTIMPeriod, uint32(dtim)); err != nil {
		return err
	}
	if err := d.configureAPSecurity(ifc, &cfg.Security); err != nil {
		return err
	}
	hidden := uint32(0)
	if cfg.Hidden {
		hidden = 1
	}
	if err := d.fwil.SetIOVar(ifc.Index, "closednet", hidden); err != nil && !fwil.IsUnsupported(err) {
		return err
	}
	var field [ssidFieldLen]byte
	putSSIDField(field[:], cfg.SSID)
	if err := d.fwil.SetBSSCfgIOVarN(ifc.Index, "ssid", uint32(ifc.BSSCfgIdx), field[:]); err != nil {
		return err
	}
	return d.fwil.SetBSSCfgIOVar(ifc.Index, "bss", uint32(ifc.BSSCfgIdx), 1)
}

// configureAPSecurity is the AP-side counterpart of configureSecurity: the
// AP is the authenticator, so the internal supplicant stays off.
func (d *Device) configureAPSecurity(ifc *Interface, sc *SecurityConfig) error {
	wsec, err := sc.wsecBits()
	if err != nil {
		return err
	}
	if err := d.fwil.CmdUint32(ifc.Index, fwil.CmdSetWsec, wsec); err != nil {
		return err
	}
	if err := d.fwil.SetBSSCfgIOVar(ifc.Index, "sup_wpa", uint32(ifc.BSSCfgIdx), 0); err != nil {
		return err
	}
	switch sc.Type {
	case SecurityWPA2:
		if err := d.setPassphrase(ifc, sc.Passphrase); err != nil {
			return err
		}
	case SecurityWPA3:
		if err := d.fwil.SetIOVarN(ifc.Index, "sae_password", encodeSaePassword(sc.Passphrase)); err != nil {
			return err
		}
	}
	return d.fwil.CmdUint32(ifc.Index, fwil.CmdSetWpaAuth, sc.wpaAuthBits())
}

// StopAP takes the BSS down synchronously: no callback, the return value
// is the outcome. Stopping an AP that is not up is a no-op, and local AP
// state clears even when the firmware commands fail.
func (d *Device) StopAP(ifidx uint8) error {
	ifc := d.ifaceByIdx(ifidx)
	if ifc == nil {
		return errNoInterface
	}
	if ifc.APState() == APIdle {
		return nil
	}
	ifc.apStartTimer.Disarm()
	defer func() {
		ifc.apState.Store(int32(APIdle))
		ifc.mu.Lock()
		ifc.profile = Profile{}
		ifc.mu.Unlock()
	}()

	err := d.fwil.SetBSSCfgIOVar(ifc.Index, "bss", uint32(ifc.BSSCfgIdx), 0)
	if err != nil {
		// Older firmware rejects bss-down on the primary bsscfg; bounce
		// the interface instead.
		d.debug("ap:bss_down", slog.String("err", err.Error()))
		if derr := d.fwil.Cmd(ifc.Index, fwil.CmdDown, nil); derr != nil {
			return derr
		}
		if aerr := d.fwil.CmdUint32(ifc.Index, fwil.CmdSetAP, 0); aerr != nil {
			return aerr
		}
		return d.fwil.Cmd(ifc.Index, fwil.CmdUp, nil)
	}
	if err := d.fwil.CmdUint32(ifc.Index, fwil.CmdSetAP, 0); err != nil {
		return err
	}
	d.info("ap:stop", slog.Uint64("ifidx", uint64(ifidx)))
	return nil
}

// finishAPStart is the single terminal point of a StartAP request.
// Exactly-once via the APStarting CAS.
func (d *Device) finishAPStart(ifc *Interface, ok bool) {
	to := APUp
	if !ok {
		to = APIdle
	}
	if !ifc.apTransition(APStarting, to) {
		return
	}
	ifc.apStartTimer.Disarm()
	if !ok {
		ifc.mu.Lock()
		ifc.profile = Profile{}
		ifc.mu.Unlock()
	}
	d.info("ap:started", slog.Uint64("ifidx", uint64(ifc.Index)), slog.Bool("ok", ok))
	d.cb.StartAPConfirm(ifc.Index, ok)
}

func (d *Device) onAPStartTimeout(ifc *Interface) {
	if ifc.APState() != APStarting {
		return
	}
	d.warn("ap:start_timeout", slog.Uint64("ifidx", uint64(ifc.Index)))
	if err := d.fwil.SetBSSCfgIOVar(ifc.Index, "bss", uint32(ifc.BSSCfgIdx), 0); err != nil {
		d.debug("ap:bss_down", slog.String("err", err.Error()))
	}
	d.finishAPStart(ifc, false)
}

// handleAPStarted is firmware confirming the BSS is beaconing.
func (d *Device) handleAPStarted(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil {
		return
	}
	d.finishAPStart(ifc, msg.Status == fweh.StatusSuccess)
}

// handleAPLink consumes LINK events while the interface runs a BSS. Some
// firmware reports AP bring-up through LINK instead of AP_STARTED.
func (d *Device) handleAPLink(ifc *Interface, msg *fweh.Message) {
	up := msg.Flags&fweh.FlagLinkUp != 0
	switch ifc.APState() {
	case APStarting:
		d.finishAPStart(ifc, up && msg.Status == fweh.StatusSuccess)
	case APUp:
		if !up {
			d.warn("ap:link_down", slog.Uint64("reason", uint64(msg.Reason)))
		}
	}
}

// handleAuthInd reports a station authenticating to the local BSS.
func (d *Device) handleAuthInd(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil || ifc.APState() != APUp {
		return
	}
	d.cb.AuthInd(ifc.Index, msg.Addr)
}

// handleAssocInd reports a station associating to the local BSS. The
// payload is the association request body: capability, listen interval,
// then information elements. Malformed requests are dropped, firmware will
// deauth the peer on its own.
func (d *Device) handleAssocInd(msg *fweh.Message, payload []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil || ifc.APState() != APUp {
		return
	}
	if len(payload) < 4 {
		d.debug("ap:assoc_short", slog.Int("len", len(payload)))
		return
	}
	listen := binary.LittleEndian.Uint16(payload[2:])
	ssid, rsn, err := parseIEs(payload[4:])
	if err != nil {
		d.debug("ap:assoc_bad_ies", slog.String("err", err.Error()))
		return
	}
	if len(ssid) > maxSSIDLen {
		d.debug("ap:assoc_bad_ssid", slog.Int("len", len(ssid)))
		return
	}
	ifc.mu.Lock()
	secured := ifc.profile.Security.Type != SecurityOpen
	ifc.mu.Unlock()
	if secured && rsn == nil {
		d.debug("ap:assoc_no_rsn", slog.String("sta", macString(msg.Addr)))
		return
	}
	d.cb.AssocInd(ifc.Index, msg.Addr, listen, rsn)
}
