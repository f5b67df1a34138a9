// Package theme turns a profile's stored color preferences into the full set
// of colors the dashboard renders.
package theme

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/resellerhub/backend/internal/apperr"
)

// Defaults used when a preference is unset or unparsable.
const (
	DefaultBackground = "#0a0a12"
	DefaultSegment    = "#00aaff"
	DefaultLightning  = "#00aaff"
)

var hexPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Prefs are the raw, possibly nil, colors stored on a profile.
type Prefs struct {
	Background *string
	Segment    *string
	Lightning  *string
}

// Color is one resolved color. HSL is the "H S% L%" triplet the frontend
// feeds into CSS variables.
type Color struct {
	Hex       string `json:"hex"`
	HSL       string `json:"hsl"`
	IsDefault bool   `json:"is_default"`
}

type Theme struct {
	Background Color `json:"background"`
	Segment    Color `json:"segment"`
	Lightning  Color `json:"lightning"`
}

// Resolve merges prefs over the defaults. Invalid stored values fall back to
// the default for that slot.
func Resolve(p Prefs) Theme {
	return Theme{
		Background: resolveOne(p.Background, DefaultBackground),
		Segment:    resolveOne(p.Segment, DefaultSegment),
		Lightning:  resolveOne(p.Lightning, DefaultLightning),
	}
}

func resolveOne(v *string, def string) Color {
	if v != nil && hexPattern.MatchString(*v) {
		h := strings.ToLower(*v)
		return Color{Hex: h, HSL: hexToHSL(h), IsDefault: h == def}
	}
	return Color{Hex: def, HSL: hexToHSL(def), IsDefault: true}
}

// Normalize validates a user-submitted color. Empty input means "reset" and
// yields nil.
func Normalize(field, v string) (*string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if !strings.HasPrefix(v, "#") {
		v = "#" + v
	}
	if !hexPattern.MatchString(v) {
		return nil, apperr.New(apperr.Invalid, fmt.Sprintf("%s must be a #rrggbb hex color", field))
	}
	v = strings.ToLower(v)
	return &v, nil
}

func hexToHSL(h string) string {
	n, _ := strconv.ParseUint(h[1:], 16, 32)
	r := float64((n>>16)&0xff) / 255
	g := float64((n>>8)&0xff) / 255
	b := float64(n&0xff) / 255

	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	l := (maxC + minC) / 2

	var hue, sat float64
	if d := maxC - minC; d != 0 {
		if l > 0.5 {
			sat = d / (2 - maxC - minC)
		} else {
			sat = d / (maxC + minC)
		}
		switch maxC {
		case r:
			hue = (g - b) / d
			if g < b {
				hue += 6
			}
		case g:
			hue = (b-r)/d + 2
		default:
			hue = (r-g)/d + 4
		}
		hue *= 60
	}
	return fmt.Sprintf("%d %d%% %d%%", int(math.Round(hue)), int(math.Round(sat*100)), int(math.Round(l*100)))
}
