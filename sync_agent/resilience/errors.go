package resilience

import (
	"fmt"
	"strings"
)

// CycleError summarizes a sync cycle that did not confirm every entry.
type CycleError struct {
	Total     int
	Synced    int
	Failed    int
	Abandoned int
	Errors    []string
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("sync partial failure: %d synced, %d failed, %d abandoned (total: %d)",
		e.Synced, e.Failed, e.Abandoned, e.Total)
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	return msg
}
