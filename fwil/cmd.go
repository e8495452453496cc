// Package fwil implements the firmware interface layer: the synchronous
// command path used to issue fixed-opcode commands and named IOVAR get/set
// requests to a Broadcom FullMAC radio.
package fwil

// Cmd is a fixed firmware command opcode carried in the control channel.
type Cmd uint32

const (
	CmdUp                Cmd = 2
	CmdDown              Cmd = 3
	CmdSetInfra          Cmd = 20
	CmdSetAuth           Cmd = 22
	CmdGetBSSID          Cmd = 23
	CmdGetSSID           Cmd = 25
	CmdSetSSID           Cmd = 26
	CmdGetChannel        Cmd = 29
	CmdSetChannel        Cmd = 30
	CmdSetKey            Cmd = 45
	CmdScan              Cmd = 50
	CmdDisassoc          Cmd = 52
	CmdGetAntdiv         Cmd = 63
	CmdSetAntdiv         Cmd = 64
	CmdSetBeaconPeriod   Cmd = 76
	CmdSetDTIMPeriod     Cmd = 78
	CmdGetPM             Cmd = 85
	CmdSetPM             Cmd = 86
	CmdSetGMode          Cmd = 110
	CmdSetAP             Cmd = 118
	CmdGetRSSI           Cmd = 127
	CmdSetWsec           Cmd = 134
	CmdGetBSSInfo        Cmd = 136
	CmdSetBand           Cmd = 142
	CmdGetAssocList      Cmd = 159
	CmdSetWpaAuth        Cmd = 165
	CmdSCBDeauthenticate Cmd = 201
	CmdGetValidChannels  Cmd = 217
	CmdGetVar            Cmd = 262
	CmdSetVar            Cmd = 263
	CmdSetWsecPMK        Cmd = 268

	cmdLast Cmd = 319
)

// IsValid reports whether the opcode is inside the firmware's command range.
func (c Cmd) IsValid() bool { return c <= cmdLast }

func (c Cmd) String() string {
	switch c {
	case CmdUp:
		return "UP"
	case CmdDown:
		return "DOWN"
	case CmdSetInfra:
		return "SET_INFRA"
	case CmdSetAuth:
		return "SET_AUTH"
	case CmdGetBSSID:
		return "GET_BSSID"
	case CmdGetSSID:
		return "GET_SSID"
	case CmdSetSSID:
		return "SET_SSID"
	case CmdGetChannel:
		return "GET_CHANNEL"
	case CmdSetChannel:
		return "SET_CHANNEL"
	case CmdSetKey:
		return "SET_KEY"
	case CmdScan:
		return "SCAN"
	case CmdDisassoc:
		return "DISASSOC"
	case CmdGetAntdiv:
		return "GET_ANTDIV"
	case CmdSetAntdiv:
		return "SET_ANTDIV"
	case CmdSetBeaconPeriod:
		return "SET_BCNPRD"
	case CmdSetDTIMPeriod:
		return "SET_DTIMPRD"
	case CmdGetPM:
		return "GET_PM"
	case CmdSetPM:
		return "SET_PM"
	case CmdSetGMode:
		return "SET_GMODE"
	case CmdSetAP:
		return "SET_AP"
	case CmdGetRSSI:
		return "GET_RSSI"
	case CmdSetWsec:
		return "SET_WSEC"
	case CmdGetBSSInfo:
		return "GET_BSS_INFO"
	case CmdSetBand:
		return "SET_BAND"
	case CmdGetAssocList:
		return "GET_ASSOCLIST"
	case CmdSetWpaAuth:
		return "SET_WPA_AUTH"
	case CmdSCBDeauthenticate:
		return "SCB_DEAUTHENTICATE_FOR_REASON"
	case CmdGetValidChannels:
		return "GET_VALID_CHANNELS"
	case CmdGetVar:
		return "GET_VAR"
	case CmdSetVar:
		return "SET_VAR"
	case CmdSetWsecPMK:
		return "SET_WSEC_PMK"
	}
	return "CMD(" + itoa(uint32(c)) + ")"
}

// itoa avoids pulling strconv into the hot logging path for the common
// small-opcode case.
func itoa(v uint32) string {
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
