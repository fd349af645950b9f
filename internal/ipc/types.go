package ipc

// StartRequest triggers ducking engine startup.
type StartRequest struct{}

// StartResponse indicates whether the engine was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the ducking engine.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// DependencyStatus describes availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail"`
}

// StatusResponse represents combined daemon and engine status information.
type StatusResponse struct {
	Running         bool               `json:"running"`
	PriorityActive  bool               `json:"priority_active"`
	PriorityProcess string             `json:"priority_process"`
	DuckedSessions  int                `json:"ducked_sessions"`
	TotalSessions   int                `json:"total_sessions"`
	RunID           string             `json:"run_id"`
	LockPath        string             `json:"lock_path"`
	HistoryDBPath   string             `json:"history_db_path"`
	LogPath         string             `json:"log_path"`
	Dependencies    []DependencyStatus `json:"dependencies"`
	PID             int                `json:"pid"`
}

// SessionsRequest fetches the current audio session list.
type SessionsRequest struct{}

// SessionItem describes one audio session on the wire.
type SessionItem struct {
	Key         string  `json:"key"`
	ProcessName string  `json:"process_name"`
	Volume      float64 `json:"volume"`
	Peak        float64 `json:"peak"`
	Ducked      bool    `json:"ducked"`
}

// SessionsResponse contains the current audio sessions.
type SessionsResponse struct {
	Sessions []SessionItem `json:"sessions"`
}

// HistoryListRequest fetches recent engine events, newest first.
type HistoryListRequest struct {
	Limit int `json:"limit"`
}

// HistoryItem describes one recorded engine event on the wire.
type HistoryItem struct {
	ID             int64  `json:"id"`
	RunID          string `json:"run_id"`
	EventType      string `json:"event_type"`
	Message        string `json:"message"`
	PriorityActive bool   `json:"priority_active"`
	DuckedSessions int    `json:"ducked_sessions"`
	CreatedAt      string `json:"created_at"`
}

// HistoryListResponse contains recorded engine events.
type HistoryListResponse struct {
	Events []HistoryItem `json:"events"`
}

// HistoryClearRequest removes all recorded events.
type HistoryClearRequest struct{}

// HistoryClearResponse reports number of removed events.
type HistoryClearResponse struct {
	Removed int64 `json:"removed"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
