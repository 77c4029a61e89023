// Package failure turns container and task stop signals into failure reasons.
package failure

import (
	"strings"

	"github.com/splax/taskwatch/internal/domain"
)

const (
	timeoutSuffix  = "-timeout"
	timeoutReason  = "Test suite exceeded maximum run time"
	taskSourceName = "ECS Task"
	stoppedStatus  = "STOPPED"
)

// ignoredStopCodes are task stop codes that do not indicate a failure:
// the user pressed stop, the essential container (tests) exited, or the
// service scheduler replaced the task.
var ignoredStopCodes = map[string]struct{}{
	"UserInitiated":             {},
	"EssentialContainerExited":  {},
	"ServiceSchedulerInitiated": {},
}

// Extract returns failure reasons for the event in reporting order: container
// reasons, then the timeout sidecar, then the task stop reason.
func Extract(event domain.TaskStateChangeEvent) []domain.FailureReason {
	reasons := make([]domain.FailureReason, 0)
	for _, c := range event.Detail.Containers {
		if c.Reason == nil {
			continue
		}
		reasons = append(reasons, domain.FailureReason{ContainerName: c.Name, Reason: *c.Reason})
	}

	// A watchdog kill exits the timeout sidecar with <= 1; ECS force kills exit 143.
	if timeout := findTimeoutContainer(event.Detail.Containers); timeout != nil {
		if timeout.LastStatus == stoppedStatus && timeout.ExitCode != nil && *timeout.ExitCode <= 1 {
			reasons = append(reasons, domain.FailureReason{ContainerName: timeout.Name, Reason: timeoutReason})
		}
	}

	detail := event.Detail
	if detail.StopCode != nil && detail.StoppedReason != nil {
		if _, ignored := ignoredStopCodes[*detail.StopCode]; !ignored {
			reasons = append(reasons, domain.FailureReason{ContainerName: taskSourceName, Reason: *detail.StoppedReason})
		}
	}
	return reasons
}

func findTimeoutContainer(containers []domain.Container) *domain.Container {
	for i := range containers {
		if strings.HasSuffix(containers[i].Name, timeoutSuffix) {
			return &containers[i]
		}
	}
	return nil
}
