package dto

type StartFetchRequest struct {
	JobType    string `json:"job_type"`
	Validate   *bool  `json:"validate"`
	Timeout    int    `json:"timeout"`
	MaxWorkers int    `json:"max_workers"`
}

type BulkActionRequest struct {
	IDs    []uint64 `json:"ids"`
	Action string   `json:"action"`
}

type TestProxiesRequest struct {
	IDs []uint64 `json:"ids"`
}

type CleanupRequest struct {
	Days int `json:"days"`
}

type CredentialRequest struct {
	ServiceName string            `json:"service_name"`
	Credentials map[string]string `json:"credentials"`
	IsActive    *bool             `json:"is_active"`
}

type CredentialTestResult struct {
	ServiceName string `json:"service_name"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
}
