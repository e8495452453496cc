package fullmac

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/wlanforge/fullmac/fweh"
	"github.com/wlanforge/fullmac/fwil"
)

var (
	errScanBusy     = errors.New("fullmac: scan already in progress")
	errScanParams   = errors.New("fullmac: invalid scan parameters")
	errScanNotUp    = errors.New("fullmac: no scan in progress")
	errShortBSSInfo = errors.New("fullmac: truncated bss info record")
)

// ScanParams selects what an escan session probes. Zero-valued dwell
// fields mean firmware defaults.
type ScanParams struct {
	// SSIDs to probe for. Empty scans for the broadcast SSID.
	SSIDs [][]byte
	// Channels to visit, by channel number. At least one is required.
	Channels []uint16
	// Passive suppresses probe requests and only listens.
	Passive bool
	// MinDwell and MaxDwell bound the per-channel dwell in milliseconds.
	// A positive MaxDwell feeds the applicable firmware dwell (active or
	// passive) unless overridden below; a positive MinDwell must not
	// exceed it.
	MinDwell int32
	MaxDwell int32
	// NProbes, ActiveTime, PassiveTime, HomeTime override firmware dwell
	// defaults when positive.
	NProbes     int32
	ActiveTime  int32
	PassiveTime int32
	HomeTime    int32
}

const (
	escanVersion     = 1
	escanActionStart = 1
	escanActionAbort = 3

	maxScanSSIDs    = 16
	maxScanChannels = 64
	maxSSIDLen      = 32

	ssidFieldLen  = 36 // u32 length + 32 bytes
	scanParamsLen = 64
	escanPrefix   = 8 // version u32, action u16, sync_id u16
)

// scanState is the single escan session of a Device. One session at a
// time; results for any other sync id are stale and dropped.
type scanState struct {
	active  bool
	syncID  uint16
	nextID  uint16
	ifidx   uint8
	seen    map[[7]byte]struct{}
	savedPM uint32
	timer   *syncTimer
}

// StartScan begins an escan session on the given interface and returns the
// sync id that tags the session's callbacks. It returns errScanBusy while a
// session is in flight; a finished session (either terminal event or
// timeout) frees the engine for the next request.
func (d *Device) StartScan(ifidx uint8, params ScanParams) (uint16, error) {
	ifc := d.ifaceByIdx(ifidx)
	if ifc == nil {
		return 0, errNoInterface
	}
	if !ifc.Ready() {
		return 0, errNotReady
	}
	if len(params.Channels) == 0 || len(params.Channels) > maxScanChannels {
		return 0, errScanParams
	}
	if len(params.SSIDs) > maxScanSSIDs {
		return 0, errScanParams
	}
	for _, ssid := range params.SSIDs {
		if len(ssid) > maxSSIDLen {
			return 0, errScanParams
		}
	}
	if params.MinDwell > 0 && params.MinDwell > params.MaxDwell {
		return 0, errScanParams
	}

	d.mu.Lock()
	if d.scan.active {
		d.mu.Unlock()
		return 0, errScanBusy
	}
	d.scan.nextID++
	if d.scan.nextID == 0 {
		d.scan.nextID = 1
	}
	// The session is recorded before the command goes out so a result
	// arriving between command completion and our bookkeeping still
	// matches the live sync id.
	d.scan.active = true
	d.scan.syncID = d.scan.nextID
	d.scan.ifidx = ifidx
	d.scan.seen = make(map[[7]byte]struct{})
	syncID := d.scan.syncID
	d.mu.Unlock()

	// Drop out of power save for the duration; beacons on off-channel
	// hops are missed otherwise. Restored when the session ends.
	pm, err := d.fwil.CmdUint32Get(ifidx, fwil.CmdGetPM)
	if err == nil {
		d.mu.Lock()
		d.scan.savedPM = pm
		d.mu.Unlock()
		if pm != pmDisabled {
			if err := d.fwil.CmdUint32(ifidx, fwil.CmdSetPM, pmDisabled); err != nil {
				d.warn("scan:pm_off", slog.String("err", err.Error()))
			}
		}
	}

	blob := encodeEscan(escanActionStart, syncID, &params)
	if err := d.fwil.SetIOVarN(ifidx, "escan", blob); err != nil {
		d.mu.Lock()
		d.scan.active = false
		d.mu.Unlock()
		d.restoreScanPM(ifidx)
		return 0, err
	}
	d.scan.timer.Arm(d.cfg.ScanTimeout)
	d.info("scan:start", slog.Uint64("sync_id", uint64(syncID)),
		slog.Int("ssids", len(params.SSIDs)), slog.Int("channels", len(params.Channels)))
	return syncID, nil
}

// AbortScan asks firmware to stop the in-flight session. The session ends
// when the abort's terminal event arrives (or the timeout does).
func (d *Device) AbortScan() error {
	d.mu.Lock()
	active := d.scan.active
	syncID := d.scan.syncID
	ifidx := d.scan.ifidx
	d.mu.Unlock()
	if !active {
		return errScanNotUp
	}
	blob := encodeEscan(escanActionAbort, syncID, &ScanParams{})
	return d.fwil.SetIOVarN(ifidx, "escan", blob)
}

// forceAbortScan force-ends the session locally, for Close and AP start
// paths that cannot wait for firmware's terminal event.
func (d *Device) forceAbortScan() {
	d.mu.Lock()
	active := d.scan.active
	syncID := d.scan.syncID
	ifidx := d.scan.ifidx
	d.scan.active = false
	d.mu.Unlock()
	if !active {
		return
	}
	d.scan.timer.Disarm()
	blob := encodeEscan(escanActionAbort, syncID, &ScanParams{})
	if err := d.fwil.SetIOVarN(ifidx, "escan", blob); err != nil {
		d.debug("scan:abort_cmd", slog.String("err", err.Error()))
	}
	d.restoreScanPM(ifidx)
	d.cb.ScanEnd(syncID, ScanEndAborted)
}

// onScanTimeout fires on the event worker when firmware never delivered a
// terminal escan event. The session ends as aborted.
func (d *Device) onScanTimeout() {
	d.mu.Lock()
	if !d.scan.active {
		d.mu.Unlock()
		return
	}
	d.scan.active = false
	syncID := d.scan.syncID
	ifidx := d.scan.ifidx
	d.mu.Unlock()

	d.warn("scan:timeout", slog.Uint64("sync_id", uint64(syncID)))
	blob := encodeEscan(escanActionAbort, syncID, &ScanParams{})
	if err := d.fwil.SetIOVarN(ifidx, "escan", blob); err != nil {
		d.debug("scan:abort_cmd", slog.String("err", err.Error()))
	}
	d.restoreScanPM(ifidx)
	d.cb.ScanEnd(syncID, ScanEndAborted)
}

func (d *Device) restoreScanPM(ifidx uint8) {
	d.mu.Lock()
	pm := d.scan.savedPM
	d.mu.Unlock()
	if pm == pmDisabled {
		return
	}
	if err := d.fwil.CmdUint32(ifidx, fwil.CmdSetPM, pm); err != nil {
		d.warn("scan:pm_restore", slog.String("err", err.Error()))
	}
}

// handleEscanResult consumes streaming escan events. Partial status
// carries BSS records; every other status is terminal for the session.
func (d *Device) handleEscanResult(msg *fweh.Message, payload []byte) {
	d.mu.Lock()
	active := d.scan.active
	syncID := d.scan.syncID
	d.mu.Unlock()
	if !active {
		d.trace("scan:late_result")
		return
	}

	if msg.Status == fweh.StatusPartial {
		results, gotSync, err := decodeEscanResult(payload)
		if err != nil {
			d.debug("scan:bad_result", slog.String("err", err.Error()))
			return
		}
		if gotSync != syncID {
			// A result from a previous session that firmware flushed
			// late. Dropping it keeps sessions isolated.
			d.trace("scan:stale_sync", slog.Uint64("got", uint64(gotSync)), slog.Uint64("want", uint64(syncID)))
			return
		}
		d.mu.Lock()
		fresh := results[:0]
		for _, r := range results {
			var key [7]byte
			copy(key[:6], r.BSSID[:])
			key[6] = uint8(r.Channel)
			if _, dup := d.scan.seen[key]; dup {
				continue
			}
			d.scan.seen[key] = struct{}{}
			fresh = append(fresh, r)
		}
		d.mu.Unlock()
		for i := range fresh {
			d.cb.ScanResult(syncID, &fresh[i])
		}
		return
	}

	// Terminal event. Firmware tags it with the session's sync id when it
	// carries the result header; a terminal for a session that was already
	// force-ended must not tear down its successor.
	if len(payload) >= 12 {
		if got := binary.LittleEndian.Uint16(payload[8:]); got != syncID {
			d.trace("scan:stale_terminal", slog.Uint64("got", uint64(got)), slog.Uint64("want", uint64(syncID)))
			return
		}
	}
	d.mu.Lock()
	d.scan.active = false
	ifidx := d.scan.ifidx
	d.mu.Unlock()
	d.scan.timer.Disarm()
	d.restoreScanPM(ifidx)

	end := ScanEndSuccess
	switch msg.Status {
	case fweh.StatusSuccess:
		end = ScanEndSuccess
	case fweh.StatusAbort:
		end = ScanEndAborted
	case fweh.StatusNewScan, fweh.StatusNewAssoc:
		end = ScanEndInterrupted
	default:
		end = ScanEndError
	}
	d.info("scan:end", slog.String("status", msg.Status.String()))
	d.cb.ScanEnd(syncID, end)
}

// encodeEscan lays out the escan request blob: 8-byte prefix, 64-byte scan
// params, packed chanspec list, then 4-byte-aligned SSID entries.
func encodeEscan(action uint16, syncID uint16, p *ScanParams) []byte {
	chanBytes := alignup(2*len(p.Channels), 4)
	nlist := len(p.SSIDs)
	if nlist == 1 {
		nlist = 0 // single SSID rides in the fixed field
	}
	size := escanPrefix + scanParamsLen + chanBytes + ssidFieldLen*nlist
	buf := make([]byte, size)

	binary.LittleEndian.PutUint32(buf[0:], escanVersion)
	binary.LittleEndian.PutUint16(buf[4:], action)
	binary.LittleEndian.PutUint16(buf[6:], syncID)

	sp := buf[escanPrefix : escanPrefix+scanParamsLen]
	// Single-SSID scans ride in the fixed SSID field; multi-SSID scans
	// use the trailing list and leave the fixed field broadcast.
	if len(p.SSIDs) == 1 {
		putSSIDField(sp[0:ssidFieldLen], p.SSIDs[0])
	}
	for i := 36; i < 42; i++ {
		sp[i] = 0xFF // broadcast BSSID
	}
	sp[42] = 2 // any BSS type
	if p.Passive {
		sp[43] = 1
	}
	putInt32Default := func(off int, v int32) {
		if v <= 0 {
			v = -1
		}
		binary.LittleEndian.PutUint32(sp[off:], uint32(v))
	}
	active, passive := p.ActiveTime, p.PassiveTime
	if p.MaxDwell > 0 {
		if p.Passive && passive <= 0 {
			passive = p.MaxDwell
		}
		if !p.Passive && active <= 0 {
			active = p.MaxDwell
		}
	}
	putInt32Default(44, p.NProbes)
	putInt32Default(48, active)
	putInt32Default(52, passive)
	putInt32Default(56, p.HomeTime)

	binary.LittleEndian.PutUint32(sp[60:], uint32(len(p.Channels))|uint32(nlist)<<16)

	off := escanPrefix + scanParamsLen
	for _, ch := range p.Channels {
		binary.LittleEndian.PutUint16(buf[off:], chanspec20(ch))
		off += 2
	}
	off = escanPrefix + scanParamsLen + chanBytes
	if len(p.SSIDs) > 1 {
		for _, ssid := range p.SSIDs {
			putSSIDField(buf[off:off+ssidFieldLen], ssid)
			off += ssidFieldLen
		}
	}
	return buf
}

func putSSIDField(dst []byte, ssid []byte) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(ssid)))
	copy(dst[4:4+maxSSIDLen], ssid)
}

// chanspec20 encodes a 20MHz chanspec for a channel number. Low byte is
// the channel; high byte carries band and bandwidth.
func chanspec20(ch uint16) uint16 {
	spec := ch&0xFF | chanspecBW20
	if ch > 14 {
		spec |= chanspecBand5G
	} else {
		spec |= chanspecBand2G
	}
	return spec
}

const (
	chanspecBW20   uint16 = 0x1000
	chanspecBand2G uint16 = 0x0000
	chanspecBand5G uint16 = 0xC000
)

func chanspecChannel(spec uint16) uint16 { return spec & 0xFF }

// decodeEscanResult parses the escan result payload: a 12-byte header
// (buflen u32, version u32, sync_id u16, bss_count u16) followed by
// variable-length bss info records.
func decodeEscanResult(payload []byte) ([]ScanResult, uint16, error) {
	if len(payload) < 12 {
		return nil, 0, errShortBSSInfo
	}
	syncID := binary.LittleEndian.Uint16(payload[8:])
	count := int(binary.LittleEndian.Uint16(payload[10:]))
	body := payload[12:]
	results := make([]ScanResult, 0, count)
	for i := 0; i < count; i++ {
		r, reclen, err := decodeBSSInfo(body)
		if err != nil {
			return nil, syncID, err
		}
		results = append(results, r)
		body = body[reclen:]
	}
	return results, syncID, nil
}

const bssInfoMinLen = 80

// decodeBSSInfo parses one firmware bss info record and returns the record
// length so the caller can walk to the next one.
func decodeBSSInfo(b []byte) (ScanResult, int, error) {
	var r ScanResult
	if len(b) < bssInfoMinLen {
		return r, 0, errShortBSSInfo
	}
	reclen := int(binary.LittleEndian.Uint32(b[4:]))
	if reclen < bssInfoMinLen || reclen > len(b) {
		return r, 0, errShortBSSInfo
	}
	copy(r.BSSID[:], b[8:14])
	r.BeaconPeriod = binary.LittleEndian.Uint16(b[14:])
	r.Capability = binary.LittleEndian.Uint16(b[16:])
	ssidLen := int(b[18])
	if ssidLen > maxSSIDLen {
		return r, 0, errShortBSSInfo
	}
	r.SSID = append([]byte(nil), b[19:19+ssidLen]...)
	r.Channel = chanspecChannel(binary.LittleEndian.Uint16(b[72:]))
	r.RSSI = int16(binary.LittleEndian.Uint16(b[78:]))
	return r, reclen, nil
}
