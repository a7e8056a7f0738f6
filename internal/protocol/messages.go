package protocol

// Request payload for [CmdBuild].
type BuildRequest struct {
	Manifest string `json:"manifest"`           // Path to the kilnfile.
	Resource string `json:"resource"`           // Build context directory.
	Output   string `json:"output"`             // Directory the archive is exported to.
	Platform string `json:"platform,omitempty"` // Target OCI platform; empty for the host platform.
}

// Result payload for a successful build.
type BuildResult struct {
	Output string `json:"output"` // Path to the exported OCI archive.
	Cached int    `json:"cached"` // Number of steps served from the layer cache.
	Steps  int    `json:"steps"`  // Total number of operation steps.
}

// Request payload for [CmdImageInspect] and [CmdImageDestroy].
type ImageRequest struct {
	Path string `json:"path"` // Path to an exported OCI archive.
}

// Result payload for [CmdImageInspect]: the image's runtime contract.
type InspectResult struct {
	Port       int      `json:"port,omitempty"`       // Advertised port, 0 when none.
	Entrypoint []string `json:"entrypoint,omitempty"` // Command run at launch.
	Workdir    string   `json:"workdir,omitempty"`    // Working directory of the entrypoint.
}

// Request payload for [CmdLaunch].
type LaunchRequest struct {
	Path string `json:"path"` // Path to an exported OCI archive.
}

// Result payload for a successful launch.
type LaunchResult struct {
	ID string `json:"id"` // Container identifier for later status and terminate calls.
}

// Request payload for [CmdContainerStatus], [CmdTerminate], and [CmdRemove].
type ContainerRequest struct {
	ID string `json:"id"`
}

// Result payload for [CmdContainerStatus].
type ContainerStatusResult struct {
	ID       string `json:"id"`
	State    string `json:"state"`               // created, running, exited, failed, or terminated.
	ExitCode int    `json:"exit_code,omitempty"` // Valid for exited and terminated containers.
	Failure  string `json:"failure,omitempty"`   // Cause for failed containers.
}

// Result payload for [CmdStatus].
type StatusResult struct {
	Running    bool   `json:"running"`
	Version    string `json:"version"`
	Pid        int    `json:"pid"`
	Uptime     string `json:"uptime"`
	Builds     int    `json:"builds"`     // Build commands processed since start.
	Containers int    `json:"containers"` // Containers currently tracked.
}

// Payload of a [CmdError] response.
type ErrorResult struct {
	Message string `json:"message"`
}
