package devices

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf16"
)

// Info is the browser-reported device description. Field order is the
// canonical serialization order and must not change, or every stored
// fingerprint stops matching.
type Info struct {
	UserAgent           string `json:"userAgent"`
	Language            string `json:"language"`
	Platform            string `json:"platform"`
	ScreenResolution    string `json:"screenResolution"`
	ColorDepth          int    `json:"colorDepth"`
	Timezone            string `json:"timezone"`
	HardwareConcurrency any    `json:"hardwareConcurrency"`
	DeviceMemory        any    `json:"deviceMemory"`
}

// ParseInfo decodes raw device info into Info.
func ParseInfo(raw json.RawMessage) (Info, error) {
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("decode device info: %w", err)
	}
	return info, nil
}

// Canonical returns the compact JSON form the fingerprint is computed over.
func (i Info) Canonical() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// Fingerprint hashes the canonical form of info.
func Fingerprint(info Info) (string, error) {
	s, err := info.Canonical()
	if err != nil {
		return "", err
	}
	return hashString(s), nil
}

// hashString is the 31-multiplier string hash over UTF-16 code units with
// 32-bit wraparound, rendered as the base36 absolute value. It identifies a
// device; it is not a security boundary.
func hashString(s string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	x := int64(h)
	if x < 0 {
		x = -x
	}
	return strconv.FormatInt(x, 36)
}
