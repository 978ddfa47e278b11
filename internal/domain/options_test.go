package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func TestParseOptions_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "null", "{}"} {
		o, err := ParseOptions([]byte(raw))
		if err != nil {
			t.Fatalf("ParseOptions(%q) error = %v", raw, err)
		}
		if got := o.FormatOrDefault(); got != "A4" {
			t.Errorf("FormatOrDefault() = %q, want A4", got)
		}
		if !o.PrintBackgroundOrDefault() {
			t.Error("PrintBackgroundOrDefault() = false, want true")
		}
		if got := o.ClampedScale(); got != 1 {
			t.Errorf("ClampedScale() = %v, want 1", got)
		}
		if o.Landscape || o.PreferCSSPageSize || o.Tagged || o.Outline {
			t.Error("boolean options should default to false")
		}
		want := Margin{Top: "20mm", Right: "15mm", Bottom: "20mm", Left: "15mm"}
		if got := o.Margins(); got != want {
			t.Errorf("Margins() = %+v, want %+v", got, want)
		}
		if o.HeaderTemplateOrDefault() != EmptyTemplate || o.FooterTemplateOrDefault() != EmptyTemplate {
			t.Error("header/footer templates should default to an empty span")
		}
	}
}

func TestParseOptions_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"malformed json", `{"format":`, ErrInvalidOptions},
		{"unknown format", `{"format":"B9"}`, ErrInvalidFormat},
		{"bad width", `{"width":"wide"}`, ErrInvalidLength},
		{"negative height", `{"height":"-3in"}`, ErrInvalidLength},
		{"bad margin", `{"margin":{"top":"1em"}}`, ErrInvalidLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseOptions([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseOptions(%s) error = %v, want %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestParseOptions_FormatIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	o, err := ParseOptions([]byte(`{"format":"letter","printBackground":false}`))
	if err != nil {
		t.Fatalf("ParseOptions error = %v", err)
	}
	if o.PrintBackgroundOrDefault() {
		t.Error("explicit printBackground=false was not honored")
	}
}

func TestClampedScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want float64
	}{
		{5.0, 2.0},
		{0.01, 0.1},
		{1.5, 1.5},
		{-1, 0.1},
	}
	for _, tt := range tests {
		o := Options{Scale: floatPtr(tt.in)}
		if got := o.ClampedScale(); got != tt.want {
			t.Errorf("ClampedScale(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWaitDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   *float64
		want time.Duration
	}{
		{nil, 0},
		{floatPtr(2.5), 2500 * time.Millisecond},
		{floatPtr(60), 10 * time.Second},
		{floatPtr(-4), 0},
	}
	for _, tt := range tests {
		if got := (Options{WaitFor: tt.in}).WaitDuration(); got != tt.want {
			t.Errorf("WaitDuration() = %v, want %v", got, tt.want)
		}
	}
}

func TestMargins_PartialOverride(t *testing.T) {
	t.Parallel()

	o := Options{Margin: &Margin{Top: "1in"}}
	want := Margin{Top: "1in", Right: "15mm", Bottom: "20mm", Left: "15mm"}
	if got := o.Margins(); got != want {
		t.Errorf("Margins() = %+v, want %+v", got, want)
	}
}

func TestParseLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{"400px", 400.0 / 96},
		{"96", 1},
		{"8.5in", 8.5},
		{"2.54cm", 1},
		{"25.4mm", 1},
		{" 20MM ", 20 / 25.4},
	}
	for _, tt := range tests {
		got, err := ParseLength(tt.in)
		if err != nil {
			t.Fatalf("ParseLength(%q) error = %v", tt.in, err)
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("ParseLength(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "px", "abc", "1em", "NaN", "Inf"} {
		if _, err := ParseLength(bad); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("ParseLength(%q) error = %v, want ErrInvalidLength", bad, err)
		}
	}
}
