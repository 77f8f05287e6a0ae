package common

import "strconv"

// TaskRecord is the persisted, serializable summary of a task. The manager
// owns the authoritative in-memory copy; the store only ever sees snapshots.
type TaskRecord struct {
	TaskID    string            `json:"taskId"`
	URL       string            `json:"sourceURL"`
	OutputDir string            `json:"outputDirectory"`
	Ext       map[string]string `json:"extensionFields,omitempty"`
	Status    Status            `json:"status"`
	Progress  float64           `json:"progress"`
	CreatedAt int64             `json:"createdAt"`
}

// Clone returns a deep copy so callers can hold records without racing the
// manager's mutations.
func (r TaskRecord) Clone() TaskRecord {
	c := r
	if r.Ext != nil {
		c.Ext = make(map[string]string, len(r.Ext))
		for k, v := range r.Ext {
			c.Ext[k] = v
		}
	}
	return c
}

// Dic flattens the record into a string-only map for callers that need
// serialization-friendly output. Extension fields are merged in under their
// own keys and never shadow the built-in ones.
func (r TaskRecord) Dic() map[string]string {
	dic := make(map[string]string, len(r.Ext)+6)
	for k, v := range r.Ext {
		dic[k] = v
	}
	dic["taskId"] = r.TaskID
	dic["sourceURL"] = r.URL
	dic["outputDirectory"] = r.OutputDir
	dic["status"] = r.Status.String()
	dic["progress"] = strconv.FormatFloat(r.Progress, 'f', 4, 64)
	dic["createdAt"] = strconv.FormatInt(r.CreatedAt, 10)
	return dic
}
