package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Render option bounds and defaults.
const (
	DefaultFormat = "A4"

	MinScale     = 0.1
	MaxScale     = 2.0
	DefaultScale = 1.0

	MaxWaitFor = 10.0

	DefaultMarginVertical   = "20mm"
	DefaultMarginHorizontal = "15mm"

	EmptyTemplate = "<span></span>"
)

var (
	ErrInvalidOptions = errors.New("invalid render options")
	ErrInvalidFormat  = errors.New("unknown paper format")
	ErrInvalidLength  = errors.New("invalid length")
)

// PaperSize is a named format's dimensions in inches, portrait.
type PaperSize struct {
	Width, Height float64
}

// PaperSizes holds the named formats understood by the renderer, keyed by
// lower-case name.
var PaperSizes = map[string]PaperSize{
	"letter":  {8.5, 11},
	"legal":   {8.5, 14},
	"tabloid": {11, 17},
	"ledger":  {17, 11},
	"a0":      {33.1, 46.8},
	"a1":      {23.4, 33.1},
	"a2":      {16.54, 23.4},
	"a3":      {11.7, 16.54},
	"a4":      {8.27, 11.7},
	"a5":      {5.83, 8.27},
	"a6":      {4.13, 5.83},
}

type Margin struct {
	Top    string `json:"top,omitempty"`
	Right  string `json:"right,omitempty"`
	Bottom string `json:"bottom,omitempty"`
	Left   string `json:"left,omitempty"`
}

// Options are the typed render parameters of a job. Zero values mean
// "use the default"; read them through the accessor methods.
type Options struct {
	Format              string            `json:"format,omitempty"`
	Width               string            `json:"width,omitempty"`
	Height              string            `json:"height,omitempty"`
	Landscape           bool              `json:"landscape,omitempty"`
	PrintBackground     *bool             `json:"printBackground,omitempty"`
	PreferCSSPageSize   bool              `json:"preferCSSPageSize,omitempty"`
	Scale               *float64          `json:"scale,omitempty"`
	PageRanges          string            `json:"pageRanges,omitempty"`
	DisplayHeaderFooter bool              `json:"displayHeaderFooter,omitempty"`
	HeaderTemplate      string            `json:"headerTemplate,omitempty"`
	FooterTemplate      string            `json:"footerTemplate,omitempty"`
	Tagged              bool              `json:"tagged,omitempty"`
	Outline             bool              `json:"outline,omitempty"`
	Margin              *Margin           `json:"margin,omitempty"`
	WaitFor             *float64          `json:"waitFor,omitempty"`
	Variables           map[string]string `json:"variables,omitempty"`
}

// ParseOptions decodes and validates an options document. An empty
// document yields the defaults.
func ParseOptions(raw []byte) (Options, error) {
	var o Options
	if len(raw) == 0 || string(raw) == "null" {
		return o, nil
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate rejects values that cannot be mapped to the renderer. Scale and
// waitFor are clamped rather than rejected.
func (o Options) Validate() error {
	if o.Format != "" {
		if _, ok := PaperSizes[strings.ToLower(o.Format)]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidFormat, o.Format)
		}
	}
	for name, v := range map[string]string{"width": o.Width, "height": o.Height} {
		if v == "" {
			continue
		}
		if _, err := ParseLength(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if o.Margin != nil {
		for _, v := range []string{o.Margin.Top, o.Margin.Right, o.Margin.Bottom, o.Margin.Left} {
			if v == "" {
				continue
			}
			if _, err := ParseLength(v); err != nil {
				return fmt.Errorf("margin: %w", err)
			}
		}
	}
	return nil
}

// HasExplicitSize reports whether width or height was given, in which case
// the named format is ignored entirely.
func (o Options) HasExplicitSize() bool { return o.Width != "" || o.Height != "" }

func (o Options) FormatOrDefault() string {
	if o.Format == "" {
		return DefaultFormat
	}
	return o.Format
}

func (o Options) PrintBackgroundOrDefault() bool {
	if o.PrintBackground == nil {
		return true
	}
	return *o.PrintBackground
}

func (o Options) ClampedScale() float64 {
	if o.Scale == nil || math.IsNaN(*o.Scale) {
		return DefaultScale
	}
	return min(max(*o.Scale, MinScale), MaxScale)
}

// WaitDuration is the post-load settle delay, clamped to [0, 10s].
func (o Options) WaitDuration() time.Duration {
	if o.WaitFor == nil {
		return 0
	}
	secs := min(max(*o.WaitFor, 0), MaxWaitFor)
	return time.Duration(secs * float64(time.Second))
}

func (o Options) HeaderTemplateOrDefault() string {
	if o.HeaderTemplate == "" {
		return EmptyTemplate
	}
	return o.HeaderTemplate
}

func (o Options) FooterTemplateOrDefault() string {
	if o.FooterTemplate == "" {
		return EmptyTemplate
	}
	return o.FooterTemplate
}

// Margins returns the margins with per-side defaults applied.
func (o Options) Margins() Margin {
	m := Margin{
		Top:    DefaultMarginVertical,
		Right:  DefaultMarginHorizontal,
		Bottom: DefaultMarginVertical,
		Left:   DefaultMarginHorizontal,
	}
	if o.Margin == nil {
		return m
	}
	if o.Margin.Top != "" {
		m.Top = o.Margin.Top
	}
	if o.Margin.Right != "" {
		m.Right = o.Margin.Right
	}
	if o.Margin.Bottom != "" {
		m.Bottom = o.Margin.Bottom
	}
	if o.Margin.Left != "" {
		m.Left = o.Margin.Left
	}
	return m
}

var unitsPerInch = map[string]float64{
	"px": 96,
	"in": 1,
	"cm": 2.54,
	"mm": 25.4,
}

// ParseLength converts a CSS length ("400px", "8.5in", "21cm", "20mm", or a
// bare number of pixels) to inches.
func ParseLength(s string) (float64, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	per := unitsPerInch["px"]
	if len(v) > 2 {
		if u, ok := unitsPerInch[v[len(v)-2:]]; ok {
			per = u
			v = strings.TrimSpace(v[:len(v)-2])
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, s)
	}
	return n / per, nil
}
