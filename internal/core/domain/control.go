package domain

import (
	"encoding/json"
	"fmt"
)

type ControlKind string

const (
	ControlPointerMove  ControlKind = "POINTER_MOVE"
	ControlPointerClick ControlKind = "POINTER_CLICK"
	ControlKeyPress     ControlKind = "KEY_PRESS"
)

// ControlPayload carries normalized pointer coordinates in [0,1] or a key.
type ControlPayload struct {
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Button string   `json:"button,omitempty"`
	Key    string   `json:"key,omitempty"`
}

// ControlEvent is the control-channel wire body {type, payload}.
type ControlEvent struct {
	Kind    ControlKind    `json:"type"`
	Payload ControlPayload `json:"payload"`
}

// Rect is the rendered bounding box of the video element in client pixels.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Normalize maps client coordinates into fractions of the rect, clamped to
// [0,1]. The agent rescales them to its own screen.
func (r Rect) Normalize(clientX, clientY float64) (float64, float64, error) {
	if r.Width <= 0 || r.Height <= 0 {
		return 0, 0, fmt.Errorf("rect has no area: %vx%v", r.Width, r.Height)
	}
	return clamp01((clientX - r.Left) / r.Width), clamp01((clientY - r.Top) / r.Height), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// PointerMove builds a POINTER_MOVE event.
func PointerMove(x, y float64) ControlEvent {
	return ControlEvent{Kind: ControlPointerMove, Payload: ControlPayload{X: &x, Y: &y}}
}

// PointerClick builds a POINTER_CLICK event; an empty button means "left".
func PointerClick(x, y float64, button string) ControlEvent {
	if button == "" {
		button = "left"
	}
	return ControlEvent{Kind: ControlPointerClick, Payload: ControlPayload{X: &x, Y: &y, Button: button}}
}

// KeyPress builds a KEY_PRESS event.
func KeyPress(key string) ControlEvent {
	return ControlEvent{Kind: ControlKeyPress, Payload: ControlPayload{Key: key}}
}

// Validate checks the payload matches the event kind.
func (e ControlEvent) Validate() error {
	switch e.Kind {
	case ControlPointerMove, ControlPointerClick:
		if e.Payload.X == nil || e.Payload.Y == nil {
			return fmt.Errorf("%s requires x and y", e.Kind)
		}
		if *e.Payload.X < 0 || *e.Payload.X > 1 || *e.Payload.Y < 0 || *e.Payload.Y > 1 {
			return fmt.Errorf("%s coordinates out of range", e.Kind)
		}
	case ControlKeyPress:
		if e.Payload.Key == "" {
			return fmt.Errorf("KEY_PRESS requires key")
		}
	default:
		return fmt.Errorf("unknown control type %q", e.Kind)
	}
	return nil
}

// MarshalControlEvent encodes the wire body.
func MarshalControlEvent(e ControlEvent) ([]byte, error) {
	return json.Marshal(e)
}
