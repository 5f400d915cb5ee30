package sync

import "github.com/steveyegge/tasksync/internal/schema"

// RemoteWins reports whether the remote copy of a record replaces the local
// one. Ties go to the remote.
func RemoteWins(local, remote schema.TaskRecord) bool {
	return !remote.UpdatedAt.Before(local.UpdatedAt)
}

// Resolve picks the record to keep when a remote copy meets a local one.
//
// Whole-record last-writer-wins on updated_at: the winner replaces the other
// copy entirely, so concurrent edits of different fields are not merged.
// When the remote wins the counter keeps the larger of the two values.
func Resolve(local, remote schema.TaskRecord) (winner schema.TaskRecord, remoteWon bool) {
	if !RemoteWins(local, remote) {
		return local, false
	}
	winner = remote
	if local.Counter > winner.Counter {
		winner.Counter = local.Counter
	}
	return winner, true
}
