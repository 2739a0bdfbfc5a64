package guidance

import "math"

// Window restricts the denoiser's unconditional pass to a subset of layers
// (selective-layer guidance) during a fraction of the schedule.
type Window struct {
	Layers []int   `json:"layers,omitempty" mapstructure:"layers"`
	Start  float64 `json:"start" mapstructure:"start"` // fraction of total steps, inclusive
	End    float64 `json:"end" mapstructure:"end"`     // fraction of total steps, exclusive
}

// Bounds returns the step range [lo, hi) the window covers for total steps.
func (w Window) Bounds(total int) (lo, hi int) {
	return int(math.Floor(w.Start * float64(total))), int(math.Floor(w.End * float64(total)))
}

// Active reports whether step lies inside the window.
func (w Window) Active(step, total int) bool {
	lo, hi := w.Bounds(total)
	return lo <= step && step < hi
}

// LayersAt returns the selective layers for step, or nil outside the window
// and when no layers are configured.
func (w Window) LayersAt(step, total int) []int {
	if len(w.Layers) == 0 || !w.Active(step, total) {
		return nil
	}
	return w.Layers
}
