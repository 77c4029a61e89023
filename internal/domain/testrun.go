package domain

import "time"

// Test run results.
const (
	TestResultPassed = "passed"
	TestResultFailed = "failed"
)

// Test run task statuses.
const (
	TestRunStatusStarting   = "starting"
	TestRunStatusInProgress = "in-progress"
	TestRunStatusStopping   = "stopping"
	TestRunStatusFinished   = "finished"
	TestRunStatusFailed     = "failed"
	TestRunStatusUnknown    = "unknown"
)

// TestRun is one execution of a test-suite workload.
type TestRun struct {
	RunID          string
	TestSuite      string
	Environment    string
	TaskArn        *string
	Status         string
	Result         *string
	FailureReasons []FailureReason
	Created        time.Time
	Updated        time.Time
}

// TestRunMatchIDs are the hints used to pick an unlinked run for a task.
// Timestamp anchors the link window, normally the task's createdAt.
type TestRunMatchIDs struct {
	Name        string
	Environment string
	Timestamp   time.Time
}
