package fullmac

import (
	"encoding/binary"
	"errors"

	"github.com/wlanforge/fullmac/fwil"
)

// Security selects the association security flavor.
type Security uint8

const (
	SecurityOpen Security = iota
	SecurityWEP
	SecurityWPA  // WPA1, TKIP PSK
	SecurityWPA2 // RSN, CCMP PSK
	SecurityWPA3 // RSN, CCMP, SAE
)

func (s Security) String() string {
	switch s {
	case SecurityOpen:
		return "open"
	case SecurityWEP:
		return "wep"
	case SecurityWPA:
		return "wpa"
	case SecurityWPA2:
		return "wpa2"
	case SecurityWPA3:
		return "wpa3"
	}
	return "security?"
}

const maxKeySlots = 4

// SecurityConfig carries the credentials for a connect or AP start.
type SecurityConfig struct {
	Type Security
	// Passphrase is the PSK passphrase (WPA/WPA2) or SAE password (WPA3).
	Passphrase []byte
	// WEPKey and WEPKeyIndex configure the static WEP key slot.
	WEPKey      []byte
	WEPKeyIndex uint8
	// MFPRequired asks for management frame protection; WPA3 implies it.
	MFPRequired bool
}

// Firmware wsec cipher bits.
const (
	wsecNone uint32 = 0
	wsecWEP  uint32 = 1 << 0
	wsecTKIP uint32 = 1 << 1
	wsecAES  uint32 = 1 << 2
)

// Firmware wpa_auth AKM bits.
const (
	wpaAuthDisabled uint32 = 0
	wpaAuthPSK      uint32 = 1 << 2
	wpa2AuthPSK     uint32 = 1 << 7
	wpa3AuthSAE     uint32 = 1 << 18
)

// Firmware mfp iovar values.
const (
	mfpNone     uint32 = 0
	mfpCapable  uint32 = 1
	mfpRequired uint32 = 2
)

// Key algorithms for the wsec_key command payload.
const (
	cryptoAlgoOff    uint32 = 0
	cryptoAlgoWEP40  uint32 = 1
	cryptoAlgoTKIP   uint32 = 2
	cryptoAlgoWEP104 uint32 = 3
	cryptoAlgoAESCCM uint32 = 4
)

const keyFlagPrimary uint32 = 1 << 1

var (
	errBadSecurity   = errors.New("fullmac: unsupported security configuration")
	errBadWEPKey     = errors.New("fullmac: WEP key must be 5 or 13 bytes")
	errBadKeyIndex   = errors.New("fullmac: key index out of range")
	errBadPassphrase = errors.New("fullmac: passphrase length out of range")
	errMalformedIEs  = errors.New("fullmac: malformed information elements")
)

// wsecBits maps the configured security to firmware cipher bits.
func (sc *SecurityConfig) wsecBits() (uint32, error) {
	switch sc.Type {
	case SecurityOpen:
		return wsecNone, nil
	case SecurityWEP:
		return wsecWEP, nil
	case SecurityWPA:
		return wsecTKIP, nil
	case SecurityWPA2, SecurityWPA3:
		return wsecAES, nil
	}
	return 0, errBadSecurity
}

func (sc *SecurityConfig) wpaAuthBits() uint32 {
	switch sc.Type {
	case SecurityWPA:
		return wpaAuthPSK
	case SecurityWPA2:
		return wpa2AuthPSK
	case SecurityWPA3:
		return wpa3AuthSAE
	}
	return wpaAuthDisabled
}

func (sc *SecurityConfig) mfpValue() uint32 {
	if sc.Type == SecurityWPA3 || sc.MFPRequired {
		return mfpRequired
	}
	if sc.Type == SecurityWPA2 {
		return mfpCapable
	}
	return mfpNone
}

func (sc *SecurityConfig) validate() error {
	switch sc.Type {
	case SecurityOpen:
		return nil
	case SecurityWEP:
		if len(sc.WEPKey) != 5 && len(sc.WEPKey) != 13 {
			return errBadWEPKey
		}
		if sc.WEPKeyIndex >= maxKeySlots {
			return errBadKeyIndex
		}
		return nil
	case SecurityWPA, SecurityWPA2:
		if len(sc.Passphrase) < 8 || len(sc.Passphrase) > 64 {
			return errBadPassphrase
		}
		return nil
	case SecurityWPA3:
		if len(sc.Passphrase) < 1 || len(sc.Passphrase) > 128 {
			return errBadPassphrase
		}
		return nil
	}
	return errBadSecurity
}

// configureSecurity programs wsec/wpa_auth/mfp and credentials for ifc
// before a join. Mirrors the firmware's required ordering: ciphers first,
// supplicant knobs, key material, AKM last.
func (d *Device) configureSecurity(ifc *Interface, sc *SecurityConfig) error {
	if err := sc.validate(); err != nil {
		return err
	}
	wsec, err := sc.wsecBits()
	if err != nil {
		return err
	}
	if err := d.fwil.CmdUint32(ifc.Index, fwil.CmdSetWsec, wsec); err != nil {
		return err
	}

	// Internal supplicant runs the 4-way handshake for PSK; SAE and open
	// leave it off (SAE is driven externally through the assoc manager).
	supWPA := uint32(0)
	if sc.Type == SecurityWPA || sc.Type == SecurityWPA2 {
		supWPA = 1
	}
	if err := d.fwil.SetBSSCfgIOVar(ifc.Index, "sup_wpa", uint32(ifc.BSSCfgIdx), supWPA); err != nil {
		return err
	}

	if d.cfg.featureEnabled(FeatureMFP) {
		err = d.fwil.SetIOVar(ifc.Index, "mfp", sc.mfpValue())
		if err != nil && !fwil.IsUnsupported(err) {
			return err
		}
		// Older firmware without MFP support: feature-absent, carry on.
	}

	switch sc.Type {
	case SecurityWEP:
		if err := d.installWEPKey(ifc, sc.WEPKey, sc.WEPKeyIndex); err != nil {
			return err
		}
	case SecurityWPA, SecurityWPA2:
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

// setPassphrase pushes the PSK passphrase (wsec_pmk layout: LE length,
// LE flags=1 meaning passphrase-not-PMK, then 64 bytes of material).
func (d *Device) setPassphrase(ifc *Interface, pass []byte) error {
	var buf [68]byte
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(pass)))
	binary.LittleEndian.PutUint16(buf[2:], 1)
	copy(buf[4:], pass)
	return d.fwil.Cmd(ifc.Index, fwil.CmdSetWsecPMK, buf[:])
}

// encodeSaePassword lays out the sae_password iovar: LE length then up to
// 128 bytes of password.
func encodeSaePassword(pass []byte) []byte {
	buf := make([]byte, 2+128)
	binary.LittleEndian.PutUint16(buf, uint16(len(pass)))
	copy(buf[2:], pass)
	return buf
}

// installWEPKey plumbs a static WEP key into a firmware key slot and
// records it in the profile. wsec_key layout: LE index, LE length, 32 bytes
// of material, LE algo, LE flags.
func (d *Device) installWEPKey(ifc *Interface, key []byte, index uint8) error {
	algo := cryptoAlgoWEP40
	if len(key) == 13 {
		algo = cryptoAlgoWEP104
	}
	// Key material is copied in wire order. For TKIP keys the Tx/Rx MIC
	// halves are intentionally NOT swapped: this firmware wants them
	// as received, unlike most 802.11 stacks.
	var buf [48]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(index))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(key)))
	copy(buf[8:40], key)
	binary.LittleEndian.PutUint32(buf[40:], algo)
	binary.LittleEndian.PutUint32(buf[44:], keyFlagPrimary)
	if err := d.fwil.Cmd(ifc.Index, fwil.CmdSetKey, buf[:]); err != nil {
		return err
	}
	ifc.mu.Lock()
	ifc.profile.Keys[index] = append([]byte(nil), key...)
	ifc.mu.Unlock()
	return nil
}

// 802.11 information element IDs used on the AP path.
const (
	ieSSID = 0
	ieRSN  = 48
)

// parseIEs walks an IE blob and returns the SSID and RSN elements.
// Truncated elements make the whole blob malformed.
func parseIEs(b []byte) (ssid, rsn []byte, err error) {
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, nil, errMalformedIEs
		}
		id, l := b[0], int(b[1])
		if len(b) < 2+l {
			return nil, nil, errMalformedIEs
		}
		body := b[2 : 2+l]
		switch id {
		case ieSSID:
			ssid = body
		case ieRSN:
			// Keep the full element (header included) for the upper stack.
			rsn = b[:2+l]
		}
		b = b[2+l:]
	}
	return ssid, rsn, nil
}
