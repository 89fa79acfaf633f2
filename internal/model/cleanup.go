package model

import "time"

// ResourceCleanup outcome of one cleanup pass over a resource class
type ResourceCleanup struct {
	Deleted    []string `json:"deleted"`
	Failed     []string `json:"failed"`
	CutoffDate string   `json:"cutoff_date"`
}

// CleanupReport agent cleanup report, keyed by resource class ("snapshots", "images")
type CleanupReport struct {
	AgentID   string                      `json:"-"`
	Timestamp time.Time                   `json:"timestamp"`
	Classes   map[string]*ResourceCleanup `json:"classes"`
}

// Validate checks the report carries at least one class.
func (r *CleanupReport) Validate() error {
	if r.Timestamp.IsZero() {
		return Invalid("timestamp", "required")
	}
	if len(r.Classes) == 0 {
		return Invalid("classes", "at least one resource class required")
	}
	for name, c := range r.Classes {
		if c == nil {
			return Invalid("classes", "class %q is empty", name)
		}
	}
	return nil
}
