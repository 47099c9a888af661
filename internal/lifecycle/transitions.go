package lifecycle

import "packaging-coordinator/internal/models"

// validTransitions lists every legal status move. Same-status entries allow
// progress-only reports; the worker drives forward moves along the pipeline.
var validTransitions = map[models.JobStatus]map[models.JobStatus]bool{
	models.StatusPending: {
		models.StatusQueued:    true,
		models.StatusFailed:    true,
		models.StatusCancelled: true,
		models.StatusSkipped:   true,
	},
	models.StatusQueued: {
		models.StatusPackaging: true,
		models.StatusFailed:    true,
		models.StatusCancelled: true,
		models.StatusSkipped:   true,
	},
	models.StatusPackaging: {
		models.StatusPackaging: true,
		models.StatusTesting:   true,
		models.StatusUploading: true,
		models.StatusDeployed:  true,
		models.StatusFailed:    true,
		models.StatusQueued:    true,
	},
	models.StatusTesting: {
		models.StatusTesting:   true,
		models.StatusUploading: true,
		models.StatusDeployed:  true,
		models.StatusFailed:    true,
		models.StatusQueued:    true,
	},
	models.StatusUploading: {
		models.StatusUploading: true,
		models.StatusDeployed:  true,
		models.StatusFailed:    true,
		models.StatusQueued:    true,
	},
}

// IsValidTransition reports whether a job may move from one status to another.
// Moving back to queued is reserved for release and recovery.
func IsValidTransition(from, to models.JobStatus) bool {
	nexts, ok := validTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}

// workerReportable reports whether a packager may move a job it holds to status.
func workerReportable(from, to models.JobStatus) bool {
	return to != models.StatusQueued && IsValidTransition(from, to)
}
