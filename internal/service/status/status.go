// Package status derives canonical statuses from ECS desired/last task states.
package status

import "github.com/splax/taskwatch/internal/domain"

// ECS task states.
const (
	ecsProvisioning   = "PROVISIONING"
	ecsPending        = "PENDING"
	ecsActivating     = "ACTIVATING"
	ecsRunning        = "RUNNING"
	ecsDeactivating   = "DEACTIVATING"
	ecsStopping       = "STOPPING"
	ecsDeprovisioning = "DEPROVISIONING"
	ecsStopped        = "STOPPED"
)

// InstanceStatus maps a service task's desired and last status to an instance
// status. The second return is false for pairs it does not recognise; callers
// must skip those rather than record an unknown status.
func InstanceStatus(desired, last string) (string, bool) {
	switch desired {
	case ecsRunning, ecsPending:
		switch last {
		case ecsProvisioning, ecsPending, ecsActivating:
			return domain.DeploymentStatusPending, true
		case ecsRunning:
			return domain.DeploymentStatusRunning, true
		case ecsDeactivating, ecsStopping, ecsDeprovisioning:
			return domain.DeploymentStatusStopping, true
		case ecsStopped:
			return domain.DeploymentStatusFailed, true
		}
	case ecsStopped:
		switch last {
		case ecsProvisioning, ecsPending, ecsActivating, ecsRunning, ecsDeactivating, ecsStopping, ecsDeprovisioning:
			return domain.DeploymentStatusStopping, true
		case ecsStopped:
			return domain.DeploymentStatusStopped, true
		}
	}
	return "", false
}

// OverallStatus computes a deployment's status from its instances.
func OverallStatus(instances *domain.Instances) string {
	counts := countStatuses(instances)
	switch {
	case instances.Len() == 0:
		return domain.DeploymentStatusRequested
	case counts[domain.DeploymentStatusPending] > 0:
		return domain.DeploymentStatusPending
	case counts[domain.DeploymentStatusRunning] > 0:
		return domain.DeploymentStatusRunning
	case counts[domain.DeploymentStatusStopping] > 0:
		return domain.DeploymentStatusStopping
	case counts[domain.DeploymentStatusFailed] > 0:
		return domain.DeploymentStatusFailed
	default:
		return domain.DeploymentStatusStopped
	}
}

// IsUnstable reports whether instances keep failing while the deployment is
// still trying to run, i.e. a crash loop.
func IsUnstable(instances *domain.Instances) bool {
	if countStatuses(instances)[domain.DeploymentStatusFailed] == 0 {
		return false
	}
	switch OverallStatus(instances) {
	case domain.DeploymentStatusPending, domain.DeploymentStatusRunning:
		return true
	default:
		return false
	}
}

func countStatuses(instances *domain.Instances) map[string]int {
	counts := make(map[string]int)
	for _, s := range instances.Statuses() {
		counts[s]++
	}
	return counts
}

// TestResult interprets the test container's exit code. A nil result means the
// container has not exited yet.
func TestResult(container *domain.Container) *string {
	if container == nil || container.ExitCode == nil {
		return nil
	}
	result := domain.TestResultFailed
	if *container.ExitCode == 0 {
		result = domain.TestResultPassed
	}
	return &result
}

// TestRunTaskStatus maps a test-suite task's state to a run status. Any
// failure reason forces "failed".
func TestRunTaskStatus(desired, last string, hasFailures bool) string {
	if hasFailures {
		return domain.TestRunStatusFailed
	}
	switch desired {
	case ecsRunning:
		switch last {
		case ecsProvisioning, ecsPending:
			return domain.TestRunStatusStarting
		case ecsStopped:
			return domain.TestRunStatusFailed
		default:
			return domain.TestRunStatusInProgress
		}
	case ecsStopped:
		switch last {
		case ecsDeprovisioning, ecsStopped:
			return domain.TestRunStatusFinished
		default:
			return domain.TestRunStatusStopping
		}
	default:
		return domain.TestRunStatusUnknown
	}
}
