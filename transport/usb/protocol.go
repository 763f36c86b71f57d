package usb

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/gousb"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

// Vendor request carrying every RPC. The OUT stage sends the command, the
// IN stage reads the reply.
const (
	requestRPC  uint8 = 0x65
	maxResponse       = 4096
	headerLen         = 8
)

// Core class verbs used for identification and introspection. Everything
// else is resolved by name through verbList.
const (
	verbReadBoardID      uint32 = 0x00
	verbReadVersion      uint32 = 0x01
	verbReadSerial       uint32 = 0x03
	verbAvailableClasses uint32 = 0x20
	verbList             uint32 = 0x21
)

// Class numbers as reported by the firmware's class registry.
var classAPI = map[uint32]types.API{
	0x0000: types.APICore,
	0x0001: types.APIFirmware,
	0x0010: types.APIDebug,
	0x0011: types.APISelfTest,
	0x0103: types.APIGPIO,
	0x0107: types.APILEDs,
	0x0108: types.APII2C,
	0x0109: types.APISPI,
	0x0120: types.APIUSBProxy,
}

var apiClass = func() map[types.API]uint32 {
	m := make(map[types.API]uint32, len(classAPI))
	for n, a := range classAPI {
		m[a] = n
	}
	return m
}()

// dedicated APIs are modelled by their own populators, not as simple interfaces.
var dedicated = map[types.API]bool{
	types.APICore:     true,
	types.APIFirmware: true,
	types.APIGPIO:     true,
	types.APILEDs:     true,
}

// encodeCommand frames class | verb | args, integers little endian.
func encodeCommand(class, verb uint32, args []byte) []byte {
	b := make([]byte, headerLen+len(args))
	binary.LittleEndian.PutUint32(b[0:], class)
	binary.LittleEndian.PutUint32(b[4:], verb)
	copy(b[headerLen:], args)
	return b
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// parseClassList reads a packed array of u32 class numbers.
func parseClassList(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, errcode.Newf(errcode.InvalidPayload, "classes", "length %d is not a multiple of 4", len(b))
	}
	out := make([]uint32, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(b[i:]))
	}
	return out, nil
}

// parseVerbList reads records of u32 verb number, u8 name length, name.
func parseVerbList(b []byte) (map[string]uint32, error) {
	out := map[string]uint32{}
	for len(b) > 0 {
		if len(b) < 5 {
			return nil, errcode.New(errcode.InvalidPayload, "verbs", "truncated record")
		}
		num := binary.LittleEndian.Uint32(b)
		n := int(b[4])
		b = b[5:]
		if len(b) < n {
			return nil, errcode.New(errcode.InvalidPayload, "verbs", "truncated name")
		}
		out[string(b[:n])] = num
		b = b[n:]
	}
	return out, nil
}

// parsePins reads (port, pin) byte pairs.
func parsePins(b []byte) ([]transport.PinLocator, error) {
	if len(b)%2 != 0 {
		return nil, errcode.Newf(errcode.InvalidPayload, "pins", "odd length %d", len(b))
	}
	out := make([]transport.PinLocator, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		out = append(out, transport.PinLocator{Port: b[i], Pin: b[i+1]})
	}
	return out, nil
}

// cString trims a NUL-terminated reply.
func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// devicePath renders the bus topology, e.g. "usb:1-4.2".
func devicePath(desc *gousb.DeviceDesc) string {
	if len(desc.Path) == 0 {
		return fmt.Sprintf("usb:%d-%d", desc.Bus, desc.Address)
	}
	parts := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		parts[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("usb:%d-%s", desc.Bus, strings.Join(parts, "."))
}
