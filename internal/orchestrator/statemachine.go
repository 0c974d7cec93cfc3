package orchestrator

import "github.com/xuan1250/transfer2read/internal/types"

// transitions lists every legal status edge. The guarded SQL updates in
// the repository enforce the same edges; this table is the single place
// they are written down.
var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusUploaded:   {types.StatusQueued, types.StatusFailed, types.StatusCancelled},
	types.StatusQueued:     {types.StatusProcessing, types.StatusFailed, types.StatusCancelled},
	types.StatusProcessing: {types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
	types.StatusCompleted:  nil,
	types.StatusFailed:     nil,
	types.StatusCancelled:  nil,
}

// CanTransition reports whether moving a job from one status to another
// is legal.
func CanTransition(from, to types.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
