package updates

import (
	"fmt"

	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/version"
)

// MaxConsecutiveFailures pauses automatic triggers for a policy whose
// spawned jobs keep failing. Manual triggers are not affected.
const MaxConsecutiveFailures = 3

// EffectivePolicy is the policy that governs one trigger call. A manual
// trigger acts as an enabled auto_update policy for that call only; the
// stored policy is never rewritten to get there.
func EffectivePolicy(stored models.UpdatePolicy, manual bool) models.UpdatePolicy {
	eff := stored
	eff.DeploymentConfig = stored.DeploymentConfig.Clone()
	if manual {
		eff.PolicyType = models.PolicyAutoUpdate
		eff.IsEnabled = true
	}
	return eff
}

// gate reports why eff may not create a job for target, or nil if it may.
func gate(eff models.UpdatePolicy, target string, manual bool) error {
	if !eff.IsEnabled || eff.PolicyType != models.PolicyAutoUpdate {
		return ErrPolicyDisallows
	}
	// The pin holds even when a manual trigger overrides the type.
	if eff.PinnedVersion != nil && *eff.PinnedVersion != "" && version.Compare(target, *eff.PinnedVersion) > 0 {
		return fmt.Errorf("%w: %s is above pinned version %s", ErrVersionPinned, target, *eff.PinnedVersion)
	}
	if !manual && eff.ConsecutiveFailures >= MaxConsecutiveFailures {
		return fmt.Errorf("%w after %d consecutive failures", ErrAutoUpdatePaused, eff.ConsecutiveFailures)
	}
	return nil
}

// configFromJob rebuilds a deployment config snapshot from a finished job.
func configFromJob(job models.Job) *models.DeploymentConfig {
	if job.DeploymentConfig != nil {
		return job.DeploymentConfig.Clone()
	}
	return &models.DeploymentConfig{
		Architecture:  job.Architecture,
		InstallerType: job.InstallerType,
	}
}
