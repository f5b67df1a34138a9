package devices

import "testing"

func TestHashString(t *testing.T) {
	cases := map[string]string{
		"":          "0",
		"a":         "2p",
		"hello":     "1n1e4y",
		"héllo <b>": "ba562i",
	}
	for in, want := range cases {
		if got := hashString(in); got != want {
			t.Errorf("hashString(%q) = %q, want %q", in, got, want)
		}
	}
}

func sampleInfo() Info {
	return Info{
		UserAgent:           "Mozilla/5.0",
		Language:            "en-US",
		Platform:            "MacIntel",
		ScreenResolution:    "1920x1080",
		ColorDepth:          24,
		Timezone:            "Europe/Berlin",
		HardwareConcurrency: 8,
		DeviceMemory:        "unknown",
	}
}

func TestFingerprint_KnownVector(t *testing.T) {
	fp, err := Fingerprint(sampleInfo())
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp != "okwxtd" {
		t.Fatalf("fingerprint = %q, want okwxtd", fp)
	}
}

func TestFingerprint_FieldOrderIndependent(t *testing.T) {
	// Clients may send keys in any order; the canonical form fixes it.
	raw := []byte(`{"deviceMemory":"unknown","hardwareConcurrency":8,"timezone":"Europe/Berlin",
		"colorDepth":24,"screenResolution":"1920x1080","platform":"MacIntel","language":"en-US","userAgent":"Mozilla/5.0"}`)
	info, err := ParseInfo(raw)
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	fp, err := Fingerprint(info)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp != "okwxtd" {
		t.Fatalf("fingerprint = %q, want okwxtd", fp)
	}
}

func TestFingerprint_Distinguishes(t *testing.T) {
	a := sampleInfo()
	b := sampleInfo()
	b.ScreenResolution = "2560x1440"
	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	if fa == fb {
		t.Fatal("different screens should give different fingerprints")
	}
}
