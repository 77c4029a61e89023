package domain

// FailureReason pairs the originating container (or source) with a readable reason.
type FailureReason struct {
	ContainerName string `json:"containerName"`
	Reason        string `json:"reason"`
}
