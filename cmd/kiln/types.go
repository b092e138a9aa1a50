package main

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
	Error   string `json:"error,omitempty"`
}

// CLIEnvironment describes the host as seen by the environment properties.
type CLIEnvironment struct {
	ID             string            `json:"id"`
	OS             string            `json:"os"`
	Arch           string            `json:"arch"`
	Processors     int               `json:"processors"`
	CacheDir       string            `json:"cache_dir"`
	UserParameters map[string]string `json:"user_parameters,omitempty"`
}

// CLIRepository describes one repository loaded for an entry point.
type CLIRepository struct {
	EntryPoint string   `json:"entry_point"`
	Name       string   `json:"name,omitempty"`
	Operations []string `json:"operations,omitempty"`
	Dir        string   `json:"dir,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// CLIInvocation is the result of running one repository operation.
type CLIInvocation struct {
	Repository string `json:"repository"`
	Operation  string `json:"operation"`
	Result     any    `json:"result"`
}

// CLIFetch is a JSON-friendly ledger entry.
type CLIFetch struct {
	Location    string `json:"location"`
	Directory   string `json:"directory"`
	ETag        string `json:"etag"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
	FetchedAt   string `json:"fetched_at"`
}
