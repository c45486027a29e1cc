package schemas

import "time"

// -- Agent Runtime --

// ThoughtType categorizes entries on the narration timeline.
type ThoughtType string

const (
	ThoughtThinking ThoughtType = "thinking"
	ThoughtAction   ThoughtType = "action"
	ThoughtResult   ThoughtType = "result"
)

// Thought is one narration entry emitted while a workflow runs.
type Thought struct {
	ID        string      `json:"id"`
	Message   string      `json:"message"`
	Type      ThoughtType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Point is a position on the surface in CSS-pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned element bounding box on the surface.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the rect.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// ViewportSnapshot captures surface dimensions and scroll position at one
// moment. Element tracking is only meaningful against the snapshot that
// produced it.
type ViewportSnapshot struct {
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	ScrollX    float64   `json:"scroll_x"`
	ScrollY    float64   `json:"scroll_y"`
	CapturedAt time.Time `json:"captured_at"`
}

// TrackedElement is a surface element pinned by a tracking pass. Positions are
// not live; they describe the element as of TrackedAt.
type TrackedElement struct {
	Key       string    `json:"key"`
	Box       Rect      `json:"box"`
	Center    Point     `json:"center"`
	TrackedAt time.Time `json:"tracked_at"`
}
