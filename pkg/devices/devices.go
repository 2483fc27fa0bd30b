package devices

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/gousb"
	"howett.net/plist"
)

// AppleVID is the USB vendor ID of every device this tool talks to.
const AppleVID gousb.ID = 0x05ac

// Mode is the boot-firmware state a device is observed in.
type Mode int

const (
	Unknown Mode = iota
	Normal
	Recovery
	DFU
	WTF
	// Restore is never detected, it only exists to keep the mode space complete.
	Restore
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case Recovery:
		return "Recovery"
	case DFU:
		return "DFU"
	case WTF:
		return "WTF"
	case Restore:
		return "Restore"
	}
	return "UNKNOWN"
}

// PIDs returns the USB product IDs a device enumerates with while in the
// given bootloader mode. Normal and Restore mode devices are reached through
// usbmuxd instead and have no entry here.
func (m Mode) PIDs() []gousb.ID {
	switch m {
	case Recovery:
		return []gousb.ID{0x1280, 0x1281, 0x1282, 0x1283}
	case DFU:
		return []gousb.ID{0x1227}
	case WTF:
		return []gousb.ID{0x1222}
	}
	return nil
}

// ModeForPID maps a USB product ID back to a bootloader mode.
func ModeForPID(pid gousb.ID) Mode {
	for _, m := range []Mode{Recovery, DFU, WTF} {
		for _, p := range m.PIDs() {
			if p == pid {
				return m
			}
		}
	}
	return Unknown
}

// Description is a known hardware model.
type Description struct {
	HardwareModel string `plist:"HardwareModel"`
	ProductType   string `plist:"ProductType"`
	DisplayName   string `plist:"DisplayName"`
	CPID          uint32 `plist:"CPID"`
	BDID          uint32 `plist:"BDID"`
}

func (d *Description) String() string {
	return fmt.Sprintf("%s, %s", d.HardwareModel, d.ProductType)
}

// Table is a hardware model lookup table. Earlier entries win.
type Table []Description

// Descriptions is the built-in lookup table.
var Descriptions = Table{
	{HardwareModel: "n94ap", ProductType: "iPhone4,1", DisplayName: "iPhone 4s", CPID: 0x8940, BDID: 0x08},
	{HardwareModel: "k93ap", ProductType: "iPad2,1", DisplayName: "iPad 2 (WiFi)", CPID: 0x8940, BDID: 0x04},
	{HardwareModel: "k94ap", ProductType: "iPad2,2", DisplayName: "iPad 2 (GSM)", CPID: 0x8940, BDID: 0x06},
	{HardwareModel: "k95ap", ProductType: "iPad2,3", DisplayName: "iPad 2 (CDMA)", CPID: 0x8940, BDID: 0x02},
	{HardwareModel: "k93aap", ProductType: "iPad2,4", DisplayName: "iPad 2 (WiFi, rev A)", CPID: 0x8942, BDID: 0x06},
	{HardwareModel: "p105ap", ProductType: "iPad2,5", DisplayName: "iPad Mini (WiFi)", CPID: 0x8942, BDID: 0x0a},
	{HardwareModel: "p106ap", ProductType: "iPad2,6", DisplayName: "iPad Mini (GSM)", CPID: 0x8942, BDID: 0x0c},
	{HardwareModel: "p107ap", ProductType: "iPad2,7", DisplayName: "iPad Mini (Global)", CPID: 0x8942, BDID: 0x0e},
	{HardwareModel: "j33ap", ProductType: "AppleTV3,1", DisplayName: "Apple TV (3rd gen)", CPID: 0x8942, BDID: 0x08},
	{HardwareModel: "j1ap", ProductType: "iPad3,1", DisplayName: "iPad 3 (WiFi)", CPID: 0x8945, BDID: 0x00},
	{HardwareModel: "j2ap", ProductType: "iPad3,2", DisplayName: "iPad 3 (CDMA)", CPID: 0x8945, BDID: 0x02},
	{HardwareModel: "j2aap", ProductType: "iPad3,3", DisplayName: "iPad 3 (Global)", CPID: 0x8945, BDID: 0x04},
	{HardwareModel: "n78ap", ProductType: "iPod5,1", DisplayName: "iPod Touch (5th gen)", CPID: 0x8942, BDID: 0x00},
	{HardwareModel: "n102ap", ProductType: "iPod7,1", DisplayName: "iPod Touch (6th gen)", CPID: 0x7000, BDID: 0x10},
	{HardwareModel: "n41ap", ProductType: "iPhone5,1", DisplayName: "iPhone 5 (GSM)", CPID: 0x8950, BDID: 0x00},
	{HardwareModel: "n42ap", ProductType: "iPhone5,2", DisplayName: "iPhone 5 (Global)", CPID: 0x8950, BDID: 0x02},
	{HardwareModel: "n48ap", ProductType: "iPhone5,3", DisplayName: "iPhone 5c (GSM)", CPID: 0x8950, BDID: 0x0a},
	{HardwareModel: "n49ap", ProductType: "iPhone5,4", DisplayName: "iPhone 5c (Global)", CPID: 0x8950, BDID: 0x0e},
	{HardwareModel: "n51ap", ProductType: "iPhone6,1", DisplayName: "iPhone 5s (GSM)", CPID: 0x8960, BDID: 0x00},
	{HardwareModel: "n53ap", ProductType: "iPhone6,2", DisplayName: "iPhone 5s (Global)", CPID: 0x8960, BDID: 0x02},
	{HardwareModel: "n56ap", ProductType: "iPhone7,1", DisplayName: "iPhone 6 Plus", CPID: 0x7000, BDID: 0x04},
	{HardwareModel: "n61ap", ProductType: "iPhone7,2", DisplayName: "iPhone 6", CPID: 0x7000, BDID: 0x06},
	{HardwareModel: "n71ap", ProductType: "iPhone8,1", DisplayName: "iPhone 6s", CPID: 0x8000, BDID: 0x04},
	{HardwareModel: "n71map", ProductType: "iPhone8,1", DisplayName: "iPhone 6s", CPID: 0x8003, BDID: 0x04},
	{HardwareModel: "n66ap", ProductType: "iPhone8,2", DisplayName: "iPhone 6s Plus", CPID: 0x8000, BDID: 0x06},
	{HardwareModel: "n66map", ProductType: "iPhone8,2", DisplayName: "iPhone 6s Plus", CPID: 0x8003, BDID: 0x06},
	{HardwareModel: "n69uap", ProductType: "iPhone8,4", DisplayName: "iPhone SE (1st gen)", CPID: 0x8000, BDID: 0x02},
	{HardwareModel: "n69ap", ProductType: "iPhone8,4", DisplayName: "iPhone SE (1st gen)", CPID: 0x8003, BDID: 0x02},
	{HardwareModel: "d10ap", ProductType: "iPhone9,1", DisplayName: "iPhone 7 (Global)", CPID: 0x8010, BDID: 0x08},
	{HardwareModel: "d11ap", ProductType: "iPhone9,2", DisplayName: "iPhone 7 Plus (Global)", CPID: 0x8010, BDID: 0x0a},
	{HardwareModel: "d101ap", ProductType: "iPhone9,3", DisplayName: "iPhone 7 (GSM)", CPID: 0x8010, BDID: 0x0c},
	{HardwareModel: "d111ap", ProductType: "iPhone9,4", DisplayName: "iPhone 7 Plus (GSM)", CPID: 0x8010, BDID: 0x0e},
	{HardwareModel: "d20ap", ProductType: "iPhone10,1", DisplayName: "iPhone 8 (Global)", CPID: 0x8015, BDID: 0x02},
	{HardwareModel: "d21ap", ProductType: "iPhone10,2", DisplayName: "iPhone 8 Plus (Global)", CPID: 0x8015, BDID: 0x04},
	{HardwareModel: "d22ap", ProductType: "iPhone10,3", DisplayName: "iPhone X (Global)", CPID: 0x8015, BDID: 0x06},
	{HardwareModel: "d201ap", ProductType: "iPhone10,4", DisplayName: "iPhone 8 (GSM)", CPID: 0x8015, BDID: 0x0a},
	{HardwareModel: "d211ap", ProductType: "iPhone10,5", DisplayName: "iPhone 8 Plus (GSM)", CPID: 0x8015, BDID: 0x0c},
	{HardwareModel: "d221ap", ProductType: "iPhone10,6", DisplayName: "iPhone X (GSM)", CPID: 0x8015, BDID: 0x0e},
	{HardwareModel: "d321ap", ProductType: "iPhone11,2", DisplayName: "iPhone XS", CPID: 0x8020, BDID: 0x0e},
	{HardwareModel: "d331ap", ProductType: "iPhone11,4", DisplayName: "iPhone XS Max (China)", CPID: 0x8020, BDID: 0x0a},
	{HardwareModel: "d331pap", ProductType: "iPhone11,6", DisplayName: "iPhone XS Max", CPID: 0x8020, BDID: 0x1a},
	{HardwareModel: "n841ap", ProductType: "iPhone11,8", DisplayName: "iPhone XR", CPID: 0x8020, BDID: 0x0c},
	{HardwareModel: "n104ap", ProductType: "iPhone12,1", DisplayName: "iPhone 11", CPID: 0x8030, BDID: 0x04},
	{HardwareModel: "d421ap", ProductType: "iPhone12,3", DisplayName: "iPhone 11 Pro", CPID: 0x8030, BDID: 0x06},
	{HardwareModel: "d431ap", ProductType: "iPhone12,5", DisplayName: "iPhone 11 Pro Max", CPID: 0x8030, BDID: 0x02},
	{HardwareModel: "d79ap", ProductType: "iPhone12,8", DisplayName: "iPhone SE (2nd gen)", CPID: 0x8030, BDID: 0x10},
	{HardwareModel: "d52gap", ProductType: "iPhone13,1", DisplayName: "iPhone 12 mini", CPID: 0x8101, BDID: 0x0a},
	{HardwareModel: "d53gap", ProductType: "iPhone13,2", DisplayName: "iPhone 12", CPID: 0x8101, BDID: 0x0c},
	{HardwareModel: "d53pap", ProductType: "iPhone13,3", DisplayName: "iPhone 12 Pro", CPID: 0x8101, BDID: 0x0e},
	{HardwareModel: "d54pap", ProductType: "iPhone13,4", DisplayName: "iPhone 12 Pro Max", CPID: 0x8101, BDID: 0x08},
	{HardwareModel: "j71ap", ProductType: "iPad4,1", DisplayName: "iPad Air (WiFi)", CPID: 0x8960, BDID: 0x10},
	{HardwareModel: "j72ap", ProductType: "iPad4,2", DisplayName: "iPad Air (Cellular)", CPID: 0x8960, BDID: 0x12},
	{HardwareModel: "j85ap", ProductType: "iPad4,4", DisplayName: "iPad Mini 2 (WiFi)", CPID: 0x8960, BDID: 0x0a},
	{HardwareModel: "j86ap", ProductType: "iPad4,5", DisplayName: "iPad Mini 2 (Cellular)", CPID: 0x8960, BDID: 0x0c},
}

// ByHardwareModel resolves a hardware model string (as reported by lockdown
// or iBoot, case does not matter) to its description.
func (t Table) ByHardwareModel(hw string) (*Description, error) {
	for i := range t {
		if strings.EqualFold(t[i].HardwareModel, hw) {
			d := t[i]
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrModelLookup, hw)
}

// ByChip resolves a CPID/BDID pair, as exposed by devices in Recovery or DFU
// mode, to its description.
func (t Table) ByChip(cpid, bdid uint32) (*Description, error) {
	for i := range t {
		if t[i].CPID == cpid && t[i].BDID == bdid {
			d := t[i]
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: CPID 0x%04x BDID 0x%02x", ErrModelLookup, cpid, bdid)
}

// Merge returns a table where extra entries shadow the receiver's.
func (t Table) Merge(extra Table) Table {
	res := make(Table, 0, len(extra)+len(t))
	res = append(res, extra...)
	return append(res, t...)
}

// ReadTable parses a plist array of descriptions, eg.:
//
//	<array><dict>
//	  <key>HardwareModel</key><string>n112ap</string>
//	  <key>ProductType</key><string>iPod9,1</string>
//	  <key>CPID</key><integer>32784</integer>
//	  <key>BDID</key><integer>22</integer>
//	</dict></array>
func ReadTable(r io.ReadSeeker) (Table, error) {
	var t Table
	if err := plist.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("could not parse device table: %w", err)
	}
	for i, d := range t {
		if d.HardwareModel == "" {
			return nil, fmt.Errorf("entry %d has no HardwareModel", i)
		}
	}
	return t, nil
}
