package usb

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

func TestEncodeCommand(t *testing.T) {
	got := encodeCommand(0x0107, 0x02, []byte{5})
	assert.Equal(t, []byte{0x07, 0x01, 0, 0, 0x02, 0, 0, 0, 5}, got)
	assert.Len(t, encodeCommand(0, 0, nil), headerLen)
}

func TestParseClassList(t *testing.T) {
	got, err := parseClassList([]byte{0, 0, 0, 0, 0x07, 0x01, 0, 0, 0x03, 0x01, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0x0107, 0x0103}, got)

	_, err = parseClassList([]byte{1, 2, 3})
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))
}

func TestParseVerbList(t *testing.T) {
	b := []byte{1, 0, 0, 0, 2, 'o', 'n'}
	b = append(b, 2, 0, 0, 0, 3, 'o', 'f', 'f')
	got, err := parseVerbList(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"on": 1, "off": 2}, got)

	_, err = parseVerbList([]byte{1, 0, 0})
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))
	_, err = parseVerbList([]byte{1, 0, 0, 0, 9, 'x'})
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))

	empty, err := parseVerbList(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParsePins(t *testing.T) {
	got, err := parsePins([]byte{0, 1, 2, 7})
	require.NoError(t, err)
	assert.Equal(t, []transport.PinLocator{{Port: 0, Pin: 1}, {Port: 2, Pin: 7}}, got)

	_, err = parsePins([]byte{1})
	assert.Error(t, err)
}

func TestCString(t *testing.T) {
	assert.Equal(t, "v1.1.1", cString([]byte("v1.1.1\x00\x00junk")))
	assert.Equal(t, "abc", cString([]byte(" abc ")))
}

func TestDevicePath(t *testing.T) {
	assert.Equal(t, "usb:1-4.2", devicePath(&gousb.DeviceDesc{Bus: 1, Address: 9, Path: []int{4, 2}}))
	assert.Equal(t, "usb:3-9", devicePath(&gousb.DeviceDesc{Bus: 3, Address: 9}))
}

func TestClassTableCoversKnownAPIs(t *testing.T) {
	for _, a := range types.KnownAPIs {
		n, ok := apiClass[a]
		require.True(t, ok, a)
		assert.Equal(t, a, classAPI[n])
	}
}
