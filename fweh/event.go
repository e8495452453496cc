// Package fweh implements firmware event handling: decoding the radio's
// out-of-band event frames and dispatching them, in arrival order, to
// registered handlers alongside EAPOL frames from the data path.
package fweh

// Event identifies an asynchronous firmware event.
type Event uint32

const (
	// status of a set-SSID (join) request.
	EventSetSSID Event = 0
	// differentiates join IBSS from found (START) IBSS.
	EventJoin Event = 1
	// STA founded an IBSS or AP started a BSS.
	EventStart Event = 2
	// 802.11 AUTH request.
	EventAuth Event = 3
	// 802.11 AUTH indication.
	EventAuthInd Event = 4
	// 802.11 DEAUTH request.
	EventDeauth Event = 5
	// 802.11 DEAUTH indication.
	EventDeauthInd Event = 6
	// 802.11 ASSOC request.
	EventAssoc Event = 7
	// 802.11 ASSOC indication.
	EventAssocInd Event = 8
	// 802.11 REASSOC request.
	EventReassoc Event = 9
	// 802.11 REASSOC indication.
	EventReassocInd Event = 10
	// 802.11 DISASSOC request.
	EventDisassoc Event = 11
	// 802.11 DISASSOC indication.
	EventDisassocInd Event = 12
	// beacons received/lost indication.
	EventBeaconRx Event = 15
	// generic link indication.
	EventLink Event = 16
	// TKIP MIC error occurred.
	EventMICError Event = 17
	// roam attempt occurred: indicates status and reason.
	EventRoam Event = 19
	// change in dot11FailedCount.
	EventTxFail Event = 20
	// AP was pruned from the join list.
	EventPrune Event = 23
	// event encapsulating an EAPOL message.
	EventEapolMsg Event = 25
	// scan results are ready or scan was aborted.
	EventScanComplete Event = 26
	// loss of beacon.
	EventBcnLostMsg Event = 31
	// roam scan is about to begin.
	EventRoamPrep Event = 32
	// firmware (re)initialized its state.
	EventResetComplete Event = 35
	// join attempt is starting; SAE firmware pauses here for the host.
	EventJoinStart Event = 36
	EventRoamStart Event = 37
	// association phase of a join is starting.
	EventAssocStart Event = 38
	EventRadio      Event = 40
	// probe request received (AP role).
	EventProbeReqMsg Event = 44
	// WPA handshake progress from the internal supplicant.
	EventPSKSup Event = 46
	// interface add/change/delete.
	EventIF Event = 54
	// RSSI crossed a configured level.
	EventRSSI Event = 56
	// received action frame.
	EventActionFrame Event = 59
	// action frame Tx completed.
	EventActionFrameComplete Event = 60
	// AP started.
	EventAPStarted Event = 64
	// AP stopped due to DFS.
	EventDFSAPStop Event = 65
	// AP resumed due to DFS.
	EventDFSAPResume Event = 66
	// streaming escan partial or terminal result.
	EventEscanResult Event = 69
	// channel switch announcement completed.
	EventCSAComplete Event = 80
	// group key installed.
	EventGTKPlumbed Event = 84
	// 802.11 AUTH request received (AP role).
	EventAuthReq Event = 91
	// external authentication (SAE) requested by firmware.
	EventExtAuthReq Event = 187
	// inbound 802.11 authentication frame for the external SAE exchange.
	EventExtAuthFrameRx Event = 188
	// management frame Tx status.
	EventMgmtFrameTxStatus Event = 189

	// eventLast is one past the highest valid code, for range checking.
	eventLast Event = 190
)

// IsValid reports whether the code falls inside the firmware's enumerated
// event range. Codes outside the range indicate a corrupt frame.
func (e Event) IsValid() bool { return e < eventLast }

var eventNames = map[Event]string{
	EventSetSSID:             "SET_SSID",
	EventJoin:                "JOIN",
	EventStart:               "START",
	EventAuth:                "AUTH",
	EventAuthInd:             "AUTH_IND",
	EventDeauth:              "DEAUTH",
	EventDeauthInd:           "DEAUTH_IND",
	EventAssoc:               "ASSOC",
	EventAssocInd:            "ASSOC_IND",
	EventReassoc:             "REASSOC",
	EventReassocInd:          "REASSOC_IND",
	EventDisassoc:            "DISASSOC",
	EventDisassocInd:         "DISASSOC_IND",
	EventBeaconRx:            "BEACON_RX",
	EventLink:                "LINK",
	EventMICError:            "MIC_ERROR",
	EventRoam:                "ROAM",
	EventTxFail:              "TXFAIL",
	EventPrune:               "PRUNE",
	EventEapolMsg:            "EAPOL_MSG",
	EventScanComplete:        "SCAN_COMPLETE",
	EventBcnLostMsg:          "BCNLOST_MSG",
	EventRoamPrep:            "ROAM_PREP",
	EventResetComplete:       "RESET_COMPLETE",
	EventJoinStart:           "JOIN_START",
	EventRoamStart:           "ROAM_START",
	EventAssocStart:          "ASSOC_START",
	EventRadio:               "RADIO",
	EventProbeReqMsg:         "PROBREQ_MSG",
	EventPSKSup:              "PSK_SUP",
	EventIF:                  "IF",
	EventRSSI:                "RSSI",
	EventActionFrame:         "ACTION_FRAME",
	EventActionFrameComplete: "ACTION_FRAME_COMPLETE",
	EventAPStarted:           "AP_STARTED",
	EventDFSAPStop:           "DFS_AP_STOP",
	EventDFSAPResume:         "DFS_AP_RESUME",
	EventEscanResult:         "ESCAN_RESULT",
	EventCSAComplete:         "CSA_COMPLETE_IND",
	EventGTKPlumbed:          "GTK_PLUMBED",
	EventAuthReq:             "AUTH_REQ",
	EventExtAuthReq:          "EXT_AUTH_REQ",
	EventExtAuthFrameRx:      "EXT_AUTH_FRAME_RX",
	EventMgmtFrameTxStatus:   "MGMT_FRAME_TXSTATUS",
}

func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "EVENT(" + utoa(uint32(e)) + ")"
}

// Status is the status field of an event message.
type Status uint32

const (
	StatusSuccess Status = 0
	StatusFail    Status = 1
	StatusTimeout Status = 2
	// no matching network found.
	StatusNoNetworks Status = 3
	StatusAbort      Status = 4
	// protocol failure: packet not acked.
	StatusNoAck Status = 5
	// AUTH or ASSOC packet was unsolicited.
	StatusUnsolicited Status = 6
	// attempt to assoc to an auto-auth configuration.
	StatusAttempt Status = 7
	// scan results are incomplete; more partial events follow.
	StatusPartial Status = 8
	// scan aborted by another scan.
	StatusNewScan Status = 9
	// scan aborted because an association started.
	StatusNewAssoc  Status = 10
	Status11HQuiet  Status = 11
	StatusSuppress  Status = 12
	StatusNoChans   Status = 13
	StatusCSAbort   Status = 15
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFail:
		return "FAIL"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusNoNetworks:
		return "NO_NETWORKS"
	case StatusAbort:
		return "ABORT"
	case StatusNoAck:
		return "NO_ACK"
	case StatusUnsolicited:
		return "UNSOLICITED"
	case StatusAttempt:
		return "ATTEMPT"
	case StatusPartial:
		return "PARTIAL"
	case StatusNewScan:
		return "NEWSCAN"
	case StatusNewAssoc:
		return "NEWASSOC"
	case Status11HQuiet:
		return "11H_QUIET"
	case StatusSuppress:
		return "SUPPRESS"
	case StatusNoChans:
		return "NOCHANS"
	case StatusCSAbort:
		return "CS_ABORT"
	}
	return "STATUS(" + utoa(uint32(s)) + ")"
}

func utoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
