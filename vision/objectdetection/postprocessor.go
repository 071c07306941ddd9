package objectdetection

import (
	"sort"

	"github.com/samber/lo"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area float64) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.BoundingBox().Area() >= area
		})
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.Score() >= conf
		})
	}
}

// NewLabelFilter returns a function that keeps only detections whose label is in labels.
// An empty label set keeps everything.
func NewLabelFilter(labels []string) Postprocessor {
	if len(labels) == 0 {
		return func(in []Detection) []Detection { return in }
	}
	keep := lo.SliceToMap(labels, func(l string) (string, struct{}) { return l, struct{}{} })
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			_, ok := keep[d.Label()]
			return ok
		})
	}
}

// NewMaxCountFilter returns a function that keeps the n highest scoring detections.
func NewMaxCountFilter(n int) Postprocessor {
	return func(in []Detection) []Detection {
		if n <= 0 || len(in) <= n {
			return in
		}
		out := make([]Detection, len(in))
		copy(out, in)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Score() > out[j].Score()
		})
		return out[:n]
	}
}
