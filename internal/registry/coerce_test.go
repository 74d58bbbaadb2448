package registry

import (
	"testing"
	"time"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

func TestCoerceString(t *testing.T) {
	spec := models.ParameterSpec{Name: "title", Type: models.ParamString}

	got, err := coerce(spec, "  hello  ")
	if err != nil {
		t.Fatalf("coerce() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("coerce() = %q, want trimmed %q", got, "hello")
	}

	if _, err := coerce(spec, 42); err == nil {
		t.Error("coerce(int as string) error = nil, want error")
	}
}

func TestCoerceInt(t *testing.T) {
	spec := models.ParameterSpec{Name: "limit", Type: models.ParamInt}

	cases := []struct {
		in   any
		want int64
	}{
		{7, 7},
		{float64(12), 12}, // JSON numbers arrive as float64
		{"42", 42},
	}
	for _, tc := range cases {
		got, err := coerce(spec, tc.in)
		if err != nil {
			t.Errorf("coerce(%v) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("coerce(%v) = %v, want %d", tc.in, got, tc.want)
		}
	}

	if _, err := coerce(spec, 3.5); err == nil {
		t.Error("coerce(3.5 as int) error = nil, want error")
	}
	if _, err := coerce(spec, "abc"); err == nil {
		t.Error("coerce(abc as int) error = nil, want error")
	}
}

func TestCoerceEnumCaseInsensitive(t *testing.T) {
	spec := models.ParameterSpec{
		Name: "priority", Type: models.ParamEnum,
		EnumValues: []string{"low", "medium", "high"},
	}

	got, err := coerce(spec, "HIGH")
	if err != nil {
		t.Fatalf("coerce() error = %v", err)
	}
	if got != "high" {
		t.Errorf("coerce(HIGH) = %v, want canonical %q", got, "high")
	}

	if _, err := coerce(spec, "urgent"); err == nil {
		t.Error("coerce(urgent) error = nil, want error")
	}
}

func TestCoerceDate(t *testing.T) {
	spec := models.ParameterSpec{Name: "due_date", Type: models.ParamDate}

	got, err := coerce(spec, "2026-08-29T10:30:00+02:00")
	if err != nil {
		t.Fatalf("coerce() error = %v", err)
	}
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("coerce() = %T, want time.Time", got)
	}
	if ts.Location() != time.UTC {
		t.Errorf("coerce() location = %v, want UTC", ts.Location())
	}
	if ts.Hour() != 8 {
		t.Errorf("coerce() hour = %d, want 8 (UTC-normalized)", ts.Hour())
	}

	if _, err := coerce(spec, "yesterday"); err == nil {
		t.Error("coerce(yesterday) error = nil, want error")
	}
}

func TestCoerceDuration(t *testing.T) {
	spec := models.ParameterSpec{Name: "window", Type: models.ParamDuration}

	cases := []struct {
		in   any
		want time.Duration
	}{
		{"01:30:00", 90 * time.Minute},
		{"90", 90 * time.Second},
		{3600, time.Hour},
		{float64(60), time.Minute},
	}
	for _, tc := range cases {
		got, err := coerce(spec, tc.in)
		if err != nil {
			t.Errorf("coerce(%v) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("coerce(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []any{"1:99:00", "-5", "soon"} {
		if _, err := coerce(spec, bad); err == nil {
			t.Errorf("coerce(%v) error = nil, want error", bad)
		}
	}
}

func TestCoerceBool(t *testing.T) {
	spec := models.ParameterSpec{Name: "flag", Type: models.ParamBool}

	got, err := coerce(spec, "true")
	if err != nil {
		t.Fatalf("coerce() error = %v", err)
	}
	if got != true {
		t.Errorf("coerce(true string) = %v, want true", got)
	}
	if _, err := coerce(spec, "maybe"); err == nil {
		t.Error("coerce(maybe) error = nil, want error")
	}
}
