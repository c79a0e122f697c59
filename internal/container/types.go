package container

// ContainerState represents the running state of a container.
type ContainerState struct {
	Status   string `json:"status"`
	Running  bool   `json:"running"`
	Paused   bool   `json:"paused"`
	ExitCode int    `json:"exit_code"`
}

// dockerStateOutput maps the JSON output of docker inspect --format '{{json .State}}'.
type dockerStateOutput struct {
	Status   string `json:"Status"`
	Running  bool   `json:"Running"`
	Paused   bool   `json:"Paused"`
	ExitCode int    `json:"ExitCode"`
}
