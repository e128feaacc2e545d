package indicator

import (
	"fmt"
	"regexp"
)

type Shape string

const (
	ShapeCircle Shape = "circle"
	ShapeRing   Shape = "ring"
	ShapeOrb    Shape = "orb"
)

type Position string

const (
	PositionCaret  Position = "caret"
	PositionCenter Position = "center"
)

// Fallback selects the behavior when the detector yields no caret rect.
type Fallback string

const (
	FallbackCenter Fallback = "center"
	FallbackHide   Fallback = "hide"
)

var colorPattern = regexp.MustCompile(`^#([A-Fa-f0-9]{6}|[A-Fa-f0-9]{8})$`)

// Config is the indicator configuration payload. Fields are pointers so a
// partial update can distinguish "absent" from "zero"; Merge replaces only
// the fields present in the update.
type Config struct {
	Shape          *Shape    `json:"shape,omitempty"`
	Size           *float64  `json:"size,omitempty"`
	Opacity        *float64  `json:"opacity,omitempty"`
	FillColor      *string   `json:"fill_color,omitempty"`
	RingColor      *string   `json:"ring_color,omitempty"`
	FillAlpha      *float64  `json:"fill_alpha,omitempty"`
	RingAlpha      *float64  `json:"ring_alpha,omitempty"`
	EdgePadding    *float64  `json:"edge_padding,omitempty"`
	OffsetX        *float64  `json:"offset_x,omitempty"`
	OffsetY        *float64  `json:"offset_y,omitempty"`
	Position       *Position `json:"position,omitempty"`
	Fallback       *Fallback `json:"fallback,omitempty"`
	FadeIn         *float64  `json:"fade_in,omitempty"`
	FadeOut        *float64  `json:"fade_out,omitempty"`
	BreathingCycle *float64  `json:"breathing_cycle,omitempty"`
	HealthInterval *float64  `json:"health_interval,omitempty"`
	HealthTimeout  *float64  `json:"health_timeout,omitempty"`
}

// FieldError reports the first configuration field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid config field %s: %s", e.Field, e.Reason)
}

func fieldErr(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// Validate checks every present field against its declared range and stops
// at the first violation.
func (c Config) Validate() error {
	if c.Shape != nil {
		switch *c.Shape {
		case ShapeCircle, ShapeRing, ShapeOrb:
		default:
			return fieldErr("shape", fmt.Sprintf("unknown shape %q", *c.Shape))
		}
	}
	if c.Size != nil && (*c.Size <= 0 || *c.Size > 200) {
		return fieldErr("size", "must be in (0, 200]")
	}
	if c.Opacity != nil && (*c.Opacity < 0 || *c.Opacity > 1) {
		return fieldErr("opacity", "must be in [0.0, 1.0]")
	}
	if c.FillColor != nil && !colorPattern.MatchString(*c.FillColor) {
		return fieldErr("fill_color", "must match #RRGGBB or #RRGGBBAA")
	}
	if c.RingColor != nil && !colorPattern.MatchString(*c.RingColor) {
		return fieldErr("ring_color", "must match #RRGGBB or #RRGGBBAA")
	}
	if c.FillAlpha != nil && (*c.FillAlpha < 0 || *c.FillAlpha > 1) {
		return fieldErr("fill_alpha", "must be in [0.0, 1.0]")
	}
	if c.RingAlpha != nil && (*c.RingAlpha < 0 || *c.RingAlpha > 1) {
		return fieldErr("ring_alpha", "must be in [0.0, 1.0]")
	}
	if c.EdgePadding != nil && (*c.EdgePadding < 0 || *c.EdgePadding > 100) {
		return fieldErr("edge_padding", "must be in [0, 100]")
	}
	if c.OffsetX != nil && (*c.OffsetX < -200 || *c.OffsetX > 200) {
		return fieldErr("offset_x", "must be in [-200, 200]")
	}
	if c.OffsetY != nil && (*c.OffsetY < -200 || *c.OffsetY > 200) {
		return fieldErr("offset_y", "must be in [-200, 200]")
	}
	if c.Position != nil {
		switch *c.Position {
		case PositionCaret, PositionCenter:
		default:
			return fieldErr("position", fmt.Sprintf("unknown position %q", *c.Position))
		}
	}
	if c.Fallback != nil {
		switch *c.Fallback {
		case FallbackCenter, FallbackHide:
		default:
			return fieldErr("fallback", fmt.Sprintf("unknown fallback %q", *c.Fallback))
		}
	}
	if c.FadeIn != nil && (*c.FadeIn <= 0 || *c.FadeIn > 5) {
		return fieldErr("fade_in", "must be in (0, 5.0] seconds")
	}
	if c.FadeOut != nil && (*c.FadeOut <= 0 || *c.FadeOut > 5) {
		return fieldErr("fade_out", "must be in (0, 5.0] seconds")
	}
	if c.BreathingCycle != nil && (*c.BreathingCycle <= 0 || *c.BreathingCycle > 10) {
		return fieldErr("breathing_cycle", "must be in (0, 10.0] seconds")
	}
	if c.HealthInterval != nil && (*c.HealthInterval <= 0 || *c.HealthInterval > 3600) {
		return fieldErr("health_interval", "must be in (0, 3600] seconds")
	}
	if c.HealthTimeout != nil {
		interval := defaultHealthInterval
		if c.HealthInterval != nil {
			interval = *c.HealthInterval
		}
		if *c.HealthTimeout <= interval {
			return fieldErr("health_timeout", "must be greater than health_interval")
		}
		if *c.HealthTimeout > 7200 {
			return fieldErr("health_timeout", "must be at most 7200 seconds")
		}
	}
	return nil
}

// Merge returns base with every field present in update replaced. Fields
// absent from update keep the base value. Neither argument is mutated.
func Merge(base, update Config) Config {
	merged := base
	if update.Shape != nil {
		merged.Shape = update.Shape
	}
	if update.Size != nil {
		merged.Size = update.Size
	}
	if update.Opacity != nil {
		merged.Opacity = update.Opacity
	}
	if update.FillColor != nil {
		merged.FillColor = update.FillColor
	}
	if update.RingColor != nil {
		merged.RingColor = update.RingColor
	}
	if update.FillAlpha != nil {
		merged.FillAlpha = update.FillAlpha
	}
	if update.RingAlpha != nil {
		merged.RingAlpha = update.RingAlpha
	}
	if update.EdgePadding != nil {
		merged.EdgePadding = update.EdgePadding
	}
	if update.OffsetX != nil {
		merged.OffsetX = update.OffsetX
	}
	if update.OffsetY != nil {
		merged.OffsetY = update.OffsetY
	}
	if update.Position != nil {
		merged.Position = update.Position
	}
	if update.Fallback != nil {
		merged.Fallback = update.Fallback
	}
	if update.FadeIn != nil {
		merged.FadeIn = update.FadeIn
	}
	if update.FadeOut != nil {
		merged.FadeOut = update.FadeOut
	}
	if update.BreathingCycle != nil {
		merged.BreathingCycle = update.BreathingCycle
	}
	if update.HealthInterval != nil {
		merged.HealthInterval = update.HealthInterval
	}
	if update.HealthTimeout != nil {
		merged.HealthTimeout = update.HealthTimeout
	}
	return merged
}

const defaultHealthInterval = 30.0

// Default returns a complete, valid configuration.
func Default() Config {
	shape := ShapeCircle
	size := 50.0
	opacity := 0.9
	fillColor := "#FF3B30"
	ringColor := "#FFFFFF"
	fillAlpha := 1.0
	ringAlpha := 0.8
	edgePadding := 20.0
	offsetX := 0.0
	offsetY := 0.0
	position := PositionCaret
	fallback := FallbackCenter
	fadeIn := 0.3
	fadeOut := 0.3
	breathing := 2.0
	healthInterval := defaultHealthInterval
	healthTimeout := 90.0
	return Config{
		Shape:          &shape,
		Size:           &size,
		Opacity:        &opacity,
		FillColor:      &fillColor,
		RingColor:      &ringColor,
		FillAlpha:      &fillAlpha,
		RingAlpha:      &ringAlpha,
		EdgePadding:    &edgePadding,
		OffsetX:        &offsetX,
		OffsetY:        &offsetY,
		Position:       &position,
		Fallback:       &fallback,
		FadeIn:         &fadeIn,
		FadeOut:        &fadeOut,
		BreathingCycle: &breathing,
		HealthInterval: &healthInterval,
		HealthTimeout:  &healthTimeout,
	}
}

// HealthIntervalSeconds returns the effective monitoring interval.
func (c Config) HealthIntervalSeconds() float64 {
	if c.HealthInterval != nil {
		return *c.HealthInterval
	}
	return defaultHealthInterval
}
