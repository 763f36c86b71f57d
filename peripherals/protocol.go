package peripherals

import (
	"encoding/binary"

	"cynthion-go/errcode"
)

// Verb names and argument layouts shared by every transport. Multi-byte
// fields are little endian.
const (
	// leds: args [index]
	VerbLEDOn     = "on"
	VerbLEDOff    = "off"
	VerbLEDToggle = "toggle"

	// gpio: args [port, pin, direction]
	VerbSetDirection = "set_pin_direction"
	// gpio: args [port, pin, level]
	VerbWritePin = "write_pin"
	// gpio: args [port, pin] -> [level]
	VerbReadPin = "read_pin"

	// i2c: args addr(2) | readLen(2) | write bytes -> read bytes
	VerbI2CReadWrite = "read_write"
)

// Direction of a GPIO line.
type Direction uint8

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirOutput {
		return "output"
	}
	return "input"
}

// EncodeI2C builds the read_write argument block.
func EncodeI2C(addr uint16, w []byte, readLen int) ([]byte, error) {
	if readLen < 0 || readLen > 0xFFFF {
		return nil, errcode.Newf(errcode.InvalidPayload, "i2c", "read length %d out of range", readLen)
	}
	buf := make([]byte, 4, 4+len(w))
	binary.LittleEndian.PutUint16(buf[0:2], addr)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(readLen))
	return append(buf, w...), nil
}

// DecodeI2C splits a read_write argument block.
func DecodeI2C(args []byte) (addr uint16, w []byte, readLen int, err error) {
	if len(args) < 4 {
		return 0, nil, 0, errcode.Newf(errcode.InvalidPayload, "i2c", "short header (%d bytes)", len(args))
	}
	addr = binary.LittleEndian.Uint16(args[0:2])
	readLen = int(binary.LittleEndian.Uint16(args[2:4]))
	return addr, args[4:], readLen, nil
}
