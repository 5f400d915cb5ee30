package migrate

import (
	"fmt"

	"github.com/steveyegge/tasksync/internal/schema"
)

// Target receives imported records. session.Session implements it.
type Target interface {
	ImportTask(rec schema.TaskRecord) (changed bool, err error)
}

// ApplyResult contains statistics about an import
type ApplyResult struct {
	Applied   int
	Unchanged int
	Errors    []string
}

// Apply merges records into target one by one; a record repeated in the
// input resolves like any other newer or older version. A record that fails
// is reported in Errors and does not stop the import.
func Apply(target Target, records []schema.TaskRecord) *ApplyResult {
	result := &ApplyResult{}

	for _, rec := range records {
		changed, err := target.ImportTask(rec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: %v", rec.ID, err))
			continue
		}
		if changed {
			result.Applied++
		} else {
			result.Unchanged++
		}
	}
	return result
}
