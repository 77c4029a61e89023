package domain

import (
	"strings"
	"time"
)

// TaskStateChangeEvent is the EventBridge envelope for an ECS task state change.
type TaskStateChangeEvent struct {
	ID           string     `json:"id"`
	DetailType   string     `json:"detail-type"`
	Account      string     `json:"account"`
	Timestamp    time.Time  `json:"time"`
	Region       string     `json:"region"`
	Detail       TaskDetail `json:"detail"`
	DeploymentID string     `json:"deploymentId"`
	StartedBy    string     `json:"startedBy"`
}

// TaskDetail carries the task fields the watcher reads.
type TaskDetail struct {
	CreatedAt           time.Time   `json:"createdAt"`
	Memory              string      `json:"memory"`
	CPU                 string      `json:"cpu"`
	TaskArn             string      `json:"taskArn"`
	Group               string      `json:"group"`
	DesiredStatus       string      `json:"desiredStatus"`
	LastStatus          string      `json:"lastStatus"`
	Containers          []Container `json:"containers"`
	StartedBy           string      `json:"startedBy"`
	TaskDefinitionArn   string      `json:"taskDefinitionArn"`
	ServiceDeploymentID *string     `json:"ecsSvcDeploymentId,omitempty"`
	StoppedReason       *string     `json:"stoppedReason,omitempty"`
	StopCode            *string     `json:"stopCode,omitempty"`
}

// Container is a single container within the task.
type Container struct {
	Name       string  `json:"name"`
	LastStatus string  `json:"lastStatus"`
	ExitCode   *int    `json:"exitCode,omitempty"`
	Reason     *string `json:"reason,omitempty"`
}

// WorkloadName returns the last colon-delimited segment of the group, e.g.
// "family:forms-perf-test" -> "forms-perf-test".
func (d TaskDetail) WorkloadName() string {
	group := d.Group
	if idx := strings.LastIndex(group, ":"); idx >= 0 {
		return group[idx+1:]
	}
	return group
}

// FindContainer returns the first container with the given name.
func (d TaskDetail) FindContainer(name string) *Container {
	for i := range d.Containers {
		if d.Containers[i].Name == name {
			return &d.Containers[i]
		}
	}
	return nil
}
