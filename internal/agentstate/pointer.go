package agentstate

import (
	"math"

	"github.com/aquilax/go-perlin"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

// easeInOutCubic is a smooth acceleration/deceleration profile.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// pointerPath interpolates from start to end with an eased profile and perlin
// noise drift that decays to zero approaching the target. The final point is
// exactly end.
func pointerPath(start, end schemas.Point, steps int, noiseX, noiseY *perlin.Perlin) []schemas.Point {
	if steps < 2 {
		return []schemas.Point{end}
	}

	dx := end.X - start.X
	dy := end.Y - start.Y
	dist := math.Hypot(dx, dy)
	if dist < 1.0 {
		return []schemas.Point{end}
	}

	// Drift amplitude scales with travel distance but stays subtle.
	amplitude := math.Min(dist*0.08, 14.0)

	path := make([]schemas.Point, steps)
	for i := 0; i < steps; i++ {
		t := float64(i+1) / float64(steps)
		eased := easeInOutCubic(t)
		decay := 1 - t
		drift := schemas.Point{
			X: noiseX.Noise1D(t*0.8) * amplitude * decay,
			Y: noiseY.Noise1D(t*0.8) * amplitude * decay,
		}
		path[i] = schemas.Point{
			X: start.X + dx*eased + drift.X,
			Y: start.Y + dy*eased + drift.Y,
		}
	}
	path[steps-1] = end
	return path
}
