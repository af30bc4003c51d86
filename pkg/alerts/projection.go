package alerts

import (
	"time"

	"github.com/sajari/regression"
)

// usagePoint is one observation of cumulative monthly usage
type usagePoint struct {
	at    time.Time
	bytes int64
}

// projectDaysToCap fits a linear trend over the recent usage observations
// and estimates how many days remain until the monthly cap is reached.
// Returns 0 when the cap is already breached and -1 when no meaningful
// projection is possible (too few points or flat usage).
func projectDaysToCap(points []usagePoint, capBytes int64, now time.Time) float64 {
	if len(points) == 0 || capBytes <= 0 {
		return -1
	}
	latest := points[len(points)-1]
	if latest.bytes >= capBytes {
		return 0
	}
	if len(points) < 3 {
		return -1
	}

	r := new(regression.Regression)
	r.SetObserved("bytes")
	r.SetVar(0, "days")
	origin := points[0].at
	for _, p := range points {
		r.Train(regression.DataPoint(float64(p.bytes), []float64{p.at.Sub(origin).Hours() / 24}))
	}
	if err := r.Run(); err != nil {
		return -1
	}

	slope := r.Coeff(1) // bytes per day
	if slope <= 0 {
		return -1
	}
	days := float64(capBytes-latest.bytes) / slope
	elapsed := now.Sub(latest.at).Hours() / 24
	if days -= elapsed; days < 0 {
		days = 0
	}
	return days
}
