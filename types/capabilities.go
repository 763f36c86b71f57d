package types

// ------------------------
// Firmware APIs (capabilities)
// ------------------------

// API names one firmware interface class a connected board may expose.
// The set of APIs is read from the device once per connection.
type API string

const (
	APICore     API = "core"
	APIFirmware API = "firmware"
	APIGPIO     API = "gpio"
	APILEDs     API = "leds"
	APII2C      API = "i2c"
	APISPI      API = "spi"
	APIUSBProxy API = "moondancer"
	APISelfTest API = "selftest"
	APIDebug    API = "debug"
)

// KnownAPIs lists every API name the host understands, in display order.
var KnownAPIs = []API{
	APICore, APIFirmware, APIGPIO, APILEDs, APII2C, APISPI, APIUSBProxy, APISelfTest, APIDebug,
}

// ------------------------
// Peripheral kinds
// ------------------------

type Kind string

const (
	KindLED       Kind = "led"
	KindGPIO      Kind = "gpio"
	KindInterface Kind = "interface" // auto-discovered simple interface
	KindI2C       Kind = "i2c"
	KindSensor    Kind = "sensor" // I2C sensor attached on a board bus
)

// PeripheralAddress identifies one peripheral on one board.
type PeripheralAddress struct {
	Board string `json:"board"` // board serial or transport path
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
}
