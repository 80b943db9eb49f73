package routing

import (
	"strconv"
	"strings"

	"github.com/ashita-ai/furiwake/model"
)

// Weights are the composite objective's blend. They are normalized to sum
// to 1 at parse time.
type Weights struct {
	Cost        float64
	Reliability float64
	Fairness    float64
	Speed       float64
}

// ParseWeights reads a "cost=0.5,reliability=0.3,fairness=0.2" spec.
// Omitted objectives weigh zero; the result is scaled to sum to 1.
func ParseWeights(s string) (Weights, error) {
	var w Weights
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Weights{}, model.NewError(model.KindValidation, "weight %q is not key=value", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || f < 0 {
			return Weights{}, model.NewError(model.KindValidation, "weight %q is not a non-negative number", part)
		}
		switch model.Objective(strings.TrimSpace(key)) {
		case model.ObjectiveCost:
			w.Cost = f
		case model.ObjectiveReliability:
			w.Reliability = f
		case model.ObjectiveFairness:
			w.Fairness = f
		case model.ObjectiveSpeed:
			w.Speed = f
		default:
			return Weights{}, model.NewError(model.KindValidation, "unknown objective %q in weights", key)
		}
	}

	sum := w.Cost + w.Reliability + w.Fairness + w.Speed
	if sum <= 0 {
		return Weights{}, model.NewError(model.KindValidation, "weights sum to zero")
	}
	w.Cost /= sum
	w.Reliability /= sum
	w.Fairness /= sum
	w.Speed /= sum
	return w, nil
}
