package alerts

import "math"

// Epsilon bounds the equals comparison.
const Epsilon = 1e-9

// Candidate is one (config, channel) pair a prediction fired.
type Candidate struct {
	Config  AlertConfig
	Channel Channel
}

// Evaluate returns the candidates a prediction fires across configs.
// It has no side effects.
func Evaluate(p Prediction, configs []AlertConfig) []Candidate {
	var out []Candidate
	for _, cfg := range configs {
		if !Fires(p, cfg) {
			continue
		}
		for _, ch := range normalizeChannels(cfg.DeliveryChannels) {
			out = append(out, Candidate{Config: cfg, Channel: ch})
		}
	}
	return out
}

// Fires reports whether cfg fires for p. Inactive configs, inert configs and
// configs watching a reading the prediction lacks never fire.
func Fires(p Prediction, cfg AlertConfig) bool {
	if !cfg.IsActive || cfg.Inert() {
		return false
	}
	value, ok := p.Value(cfg.TriggerSource)
	if !ok {
		return false
	}
	return conditionMet(cfg.Condition, value, cfg.Threshold)
}

func conditionMet(cond Condition, value, threshold float64) bool {
	switch cond {
	case ConditionGreaterThan:
		return value > threshold
	case ConditionLessThan:
		return value < threshold
	case ConditionEquals:
		return math.Abs(value-threshold) <= Epsilon
	default:
		return false
	}
}
