// internal/anomaly/detector.go
package anomaly

import (
	"fmt"
	"math"

	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
)

// Classifier maps pressure readings to severity tiers. It holds only the
// configured thresholds and is safe for concurrent use.
type Classifier struct {
	critical float64
	warning  float64
}

func NewClassifier(th config.Thresholds) (*Classifier, error) {
	if math.IsNaN(th.Critical) || math.IsNaN(th.Warning) {
		return nil, fmt.Errorf("thresholds must be numbers: %+v", th)
	}
	if th.Critical > th.Warning {
		return nil, fmt.Errorf("critical threshold %.2f above warning threshold %.2f", th.Critical, th.Warning)
	}
	return &Classifier{critical: th.Critical, warning: th.Warning}, nil
}

// Classify checks a reading against the thresholds. NaN is Unavailable;
// bounds are exclusive, so a value equal to the warning threshold is Normal.
func (c *Classifier) Classify(value float64) data.Tier {
	switch {
	case math.IsNaN(value):
		return data.TierUnavailable
	case value < c.critical:
		return data.TierCritical
	case value < c.warning:
		return data.TierWarning
	default:
		return data.TierNormal
	}
}

// ClassifyPtr treats a missing value as Unavailable.
func (c *Classifier) ClassifyPtr(value *float64) data.Tier {
	if value == nil {
		return data.TierUnavailable
	}
	return c.Classify(*value)
}

// Thresholds returns the configured limits.
func (c *Classifier) Thresholds() config.Thresholds {
	return config.Thresholds{Critical: c.critical, Warning: c.warning}
}
