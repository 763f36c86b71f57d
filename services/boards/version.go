package boards

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"cynthion-go/errcode"
)

// Version is a firmware/board version packed as hex digits:
// digit 1 major, digit 2 minor, digits 3-4 patch. 0x1101 is 1.1.1.
type Version uint16

func (v Version) Major() int { return int(v>>12) & 0xF }
func (v Version) Minor() int { return int(v>>8) & 0xF }
func (v Version) Patch() int { return int(v>>4&0xF)*10 + int(v&0xF) }

// String is the raw packed form, e.g. "0x1101".
func (v Version) String() string { return fmt.Sprintf("0x%04x", uint16(v)) }

// Decimal reports whether every packed digit is 0-9.
func (v Version) Decimal() bool {
	for n := uint16(v); n != 0; n >>= 4 {
		if n&0xF > 9 {
			return false
		}
	}
	return true
}

// Semver renders the digits as a semantic version, or nil when a digit is
// not decimal.
func (v Version) Semver() *semver.Version {
	if !v.Decimal() {
		return nil
	}
	return semver.New(uint64(v.Major()), uint64(v.Minor()), uint64(v.Patch()), "", "")
}

// Label is the dotted form for display, falling back to String.
func (v Version) Label() string {
	if sv := v.Semver(); sv != nil {
		return sv.String()
	}
	return v.String()
}

// PackVersion packs major.minor.patch; major and minor are single digits,
// patch is two.
func PackVersion(major, minor, patch uint64) (Version, error) {
	if major > 9 || minor > 9 || patch > 99 {
		return 0, errcode.Newf(errcode.InvalidDescriptor, "version", "%d.%d.%d does not fit packed digits", major, minor, patch)
	}
	return Version(major<<12 | minor<<8 | (patch/10)<<4 | patch%10), nil
}

// ParseVersion accepts a packed hex literal ("0x1101"), a dotted version
// with an optional v prefix ("1.1.1", "v1.0.0"), or a hardware revision
// label. Two-part revisions ("r0.4") are the early boards that report
// 0x00XY; three-part revisions ("r1.1.1") pack like dotted versions.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return 0, errcode.Newf(errcode.InvalidDescriptor, "version", "bad packed version %q", s)
		}
		return Version(n), nil
	}
	if rev, ok := strings.CutPrefix(s, "r"); ok || strings.HasPrefix(s, "R") {
		if !ok {
			rev = s[1:]
		}
		parts := strings.Split(rev, ".")
		switch len(parts) {
		case 2:
			return parseRevision(s, parts[0], parts[1])
		case 3:
			s = rev
		default:
			return 0, errcode.Newf(errcode.InvalidDescriptor, "version", "revision %q: want rX.Y or rX.Y.Z", s)
		}
	}
	sv, err := semver.NewVersion(strings.TrimLeft(s, "vV"))
	if err != nil {
		return 0, errcode.Newf(errcode.InvalidDescriptor, "version", "bad version %q: %v", s, err)
	}
	if sv.Prerelease() != "" || sv.Metadata() != "" {
		return 0, errcode.Newf(errcode.InvalidDescriptor, "version", "%q carries a suffix", s)
	}
	return PackVersion(sv.Major(), sv.Minor(), sv.Patch())
}

// parseRevision packs an early-board revision rX.Y as 0x00XY.
func parseRevision(label, x, y string) (Version, error) {
	hi, err1 := strconv.ParseUint(x, 10, 4)
	lo, err2 := strconv.ParseUint(y, 10, 4)
	if err1 != nil || err2 != nil || hi > 9 || lo > 9 {
		return 0, errcode.Newf(errcode.InvalidDescriptor, "version", "revision %q: digits must be 0-9", label)
	}
	return Version(hi<<4 | lo), nil
}
