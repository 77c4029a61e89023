package failure

import (
	"reflect"
	"testing"

	"github.com/splax/taskwatch/internal/domain"
)

func TestExtractContainerReason(t *testing.T) {
	event := stoppedEvent("EssentialContainerExited", "Essential container in task exited",
		domain.Container{Name: "forms-perf-test", LastStatus: "STOPPED", ExitCode: intPtr(137), Reason: strPtr("OutOfMemoryError: Container killed due to memory usage")},
	)

	got := Extract(event)
	want := []domain.FailureReason{{ContainerName: "forms-perf-test", Reason: "OutOfMemoryError: Container killed due to memory usage"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtractTimeoutSidecar(t *testing.T) {
	event := stoppedEvent("EssentialContainerExited", "Essential container in task exited",
		domain.Container{Name: "forms-perf-test", LastStatus: "STOPPED", ExitCode: intPtr(143)},
		domain.Container{Name: "forms-perf-test-timeout", LastStatus: "STOPPED", ExitCode: intPtr(1)},
	)

	got := Extract(event)
	want := []domain.FailureReason{{ContainerName: "forms-perf-test-timeout", Reason: "Test suite exceeded maximum run time"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtractTimeoutSidecarIgnoredWhenForceKilled(t *testing.T) {
	cases := map[string]domain.Container{
		"force killed":  {Name: "forms-perf-test-timeout", LastStatus: "STOPPED", ExitCode: intPtr(143)},
		"still running": {Name: "forms-perf-test-timeout", LastStatus: "RUNNING", ExitCode: intPtr(0)},
		"no exit code":  {Name: "forms-perf-test-timeout", LastStatus: "STOPPED"},
	}
	for name, sidecar := range cases {
		t.Run(name, func(t *testing.T) {
			event := stoppedEvent("EssentialContainerExited", "Essential container in task exited",
				domain.Container{Name: "forms-perf-test", LastStatus: "STOPPED", ExitCode: intPtr(0)},
				sidecar,
			)
			if got := Extract(event); len(got) != 0 {
				t.Fatalf("expected no reasons, got %v", got)
			}
		})
	}
}

func TestExtractTaskLevelStopCode(t *testing.T) {
	reason := "ResourceInitializationError: unable to pull secrets or registry auth: execution resource retrieval failed: unable to retrieve secret from asm: service call has been retried 1 time(s): retrieved secret from Secrets Manager did not contain json key MY_SECRET"
	event := stoppedEvent("TaskFailedToStart", reason,
		domain.Container{Name: "forms-perf-test", LastStatus: "STOPPED"},
	)

	got := Extract(event)
	want := []domain.FailureReason{{ContainerName: "ECS Task", Reason: reason}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtractIgnoresBenignStopCodes(t *testing.T) {
	for _, code := range []string{"UserInitiated", "EssentialContainerExited", "ServiceSchedulerInitiated"} {
		event := stoppedEvent(code, "stopped for a boring reason",
			domain.Container{Name: "svc", LastStatus: "STOPPED", ExitCode: intPtr(0)},
		)
		if got := Extract(event); len(got) != 0 {
			t.Fatalf("stop code %s: expected no reasons, got %v", code, got)
		}
	}
}

func TestExtractRequiresStopCodeAndReason(t *testing.T) {
	event := domain.TaskStateChangeEvent{Detail: domain.TaskDetail{StopCode: strPtr("TaskFailedToStart")}}
	if got := Extract(event); len(got) != 0 {
		t.Fatalf("expected no reasons without stoppedReason, got %v", got)
	}
	event = domain.TaskStateChangeEvent{Detail: domain.TaskDetail{StoppedReason: strPtr("boom")}}
	if got := Extract(event); len(got) != 0 {
		t.Fatalf("expected no reasons without stopCode, got %v", got)
	}
}

func TestExtractOrdersSources(t *testing.T) {
	event := stoppedEvent("SpotInterruption", "Your Spot Task was interrupted.",
		domain.Container{Name: "sidecar", LastStatus: "STOPPED", Reason: strPtr("CannotPullContainerError")},
		domain.Container{Name: "app-timeout", LastStatus: "STOPPED", ExitCode: intPtr(0)},
		domain.Container{Name: "app", LastStatus: "STOPPED", Reason: strPtr("OutOfMemoryError")},
	)

	got := Extract(event)
	want := []domain.FailureReason{
		{ContainerName: "sidecar", Reason: "CannotPullContainerError"},
		{ContainerName: "app", Reason: "OutOfMemoryError"},
		{ContainerName: "app-timeout", Reason: "Test suite exceeded maximum run time"},
		{ContainerName: "ECS Task", Reason: "Your Spot Task was interrupted."},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtractReturnsEmptySlice(t *testing.T) {
	got := Extract(domain.TaskStateChangeEvent{})
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func stoppedEvent(stopCode, reason string, containers ...domain.Container) domain.TaskStateChangeEvent {
	return domain.TaskStateChangeEvent{
		ID:         "evt-1",
		DetailType: "ECS Task State Change",
		Detail: domain.TaskDetail{
			Group:         "family:forms-perf-test",
			DesiredStatus: "STOPPED",
			LastStatus:    "STOPPED",
			Containers:    containers,
			StopCode:      strPtr(stopCode),
			StoppedReason: strPtr(reason),
		},
	}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
