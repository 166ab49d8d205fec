// Package engine computes delivery metrics by fanning listing calls out
// to every enabled source, joining the answers, and reducing them with
// commutative formulas, so instance ordering never changes a result.
package engine

import (
	"time"

	"github.com/devflow-metrics/devflow/internal/models"
)

// DeploymentFrequency is successful deployments per day over the window.
// Window.Days never reports less than one day, so a sub-day window still
// divides cleanly. Also returns the successful count.
func DeploymentFrequency(deps []models.Deployment, w models.Window) (float64, int) {
	successful := 0
	for _, d := range deps {
		if d.Status == models.DeploySuccess {
			successful++
		}
	}
	return float64(successful) / float64(w.Days()), successful
}

// LeadTimeHours is the mean hours from creation to merge across merged
// changes. Unmerged changes carry no signal and are excluded. Zero when
// nothing merged. Also returns the merged count.
func LeadTimeHours(changes []models.Change) (float64, int) {
	var total time.Duration
	merged := 0
	for _, c := range changes {
		if lt, ok := c.LeadTime(); ok {
			total += lt
			merged++
		}
	}
	if merged == 0 {
		return 0, 0
	}
	return total.Hours() / float64(merged), merged
}

// ChangeFailureRate is the percentage of deployments that failed. Zero
// when there are no deployments at all. Also returns the failed count.
func ChangeFailureRate(deps []models.Deployment) (float64, int) {
	if len(deps) == 0 {
		return 0, 0
	}
	failed := 0
	for _, d := range deps {
		if d.Status == models.DeployFailed {
			failed++
		}
	}
	return 100 * float64(failed) / float64(len(deps)), failed
}

// MTTRHours is the mean hours from onset to resolution across resolved
// incidents. Open incidents are excluded. Zero when nothing resolved.
// Also returns the resolved count.
func MTTRHours(incidents []models.Incident) (float64, int) {
	var total time.Duration
	resolved := 0
	for _, inc := range incidents {
		if rt, ok := inc.RecoveryTime(); ok {
			total += rt
			resolved++
		}
	}
	if resolved == 0 {
		return 0, 0
	}
	return total.Hours() / float64(resolved), resolved
}
