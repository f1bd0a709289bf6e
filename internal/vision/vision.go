package vision

import (
	"context"

	"ecobin/internal/material"
)

// Detection is one labelled bounding box from the classifier.
type Detection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// Source produces the detections for one capture tick.
type Source interface {
	Next(ctx context.Context) ([]Detection, error)
}

// Best returns the highest-confidence detection whose confidence meets
// threshold and whose label maps to an allowed material. It returns
// material.None when no detection qualifies.
func Best(detections []Detection, threshold float64, allowed material.Set) (material.Kind, float64) {
	best := material.None
	bestConfidence := -1.0
	for _, det := range detections {
		if det.Confidence < threshold {
			continue
		}
		kind, err := material.Parse(det.Label)
		if err != nil || !allowed.Contains(kind) {
			continue
		}
		if det.Confidence > bestConfidence {
			best = kind
			bestConfidence = det.Confidence
		}
	}
	if best == material.None {
		return material.None, 0
	}
	return best, bestConfidence
}
