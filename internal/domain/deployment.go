package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Deployment and instance statuses.
const (
	DeploymentStatusRequested = "requested"
	DeploymentStatusPending   = "pending"
	DeploymentStatusRunning   = "running"
	DeploymentStatusStopping  = "stopping"
	DeploymentStatusStopped   = "stopped"
	DeploymentStatusFailed    = "failed"
)

// DefaultInstanceCap bounds instance history per deployment.
const DefaultInstanceCap = 50

// Deployment is a requested rollout of a microservice.
type Deployment struct {
	ID                string
	LambdaID          string
	TaskDefinitionArn string
	Instances         *Instances
	Status            string
	Unstable          bool
	FailureReasons    []FailureReason
	Updated           time.Time
	// Version is the optimistic concurrency token; persisting a stale version fails.
	Version int64
}

// InstanceStatus is the state of one task run within a deployment.
type InstanceStatus struct {
	Status  string    `json:"status"`
	Updated time.Time `json:"updated"`
}

// Instance couples a task run identifier with its status.
type Instance struct {
	TaskArn string
	InstanceStatus
}

// Instances is a bounded collection of task runs ordered oldest first by
// event timestamp. When full, inserting a new run evicts the oldest.
type Instances struct {
	capacity int
	items    []Instance
}

// NewInstances returns an empty collection holding at most capacity runs.
// A capacity <= 0 means unbounded.
func NewInstances(capacity int) *Instances {
	return &Instances{capacity: capacity}
}

// Len reports the number of tracked runs.
func (in *Instances) Len() int {
	if in == nil {
		return 0
	}
	return len(in.items)
}

// Get returns the status recorded for a task run.
func (in *Instances) Get(taskArn string) (InstanceStatus, bool) {
	if in == nil {
		return InstanceStatus{}, false
	}
	for _, item := range in.items {
		if item.TaskArn == taskArn {
			return item.InstanceStatus, true
		}
	}
	return InstanceStatus{}, false
}

// Upsert records status for the task run, replacing any existing entry.
func (in *Instances) Upsert(taskArn string, status InstanceStatus) {
	for i, item := range in.items {
		if item.TaskArn == taskArn {
			in.items = append(in.items[:i], in.items[i+1:]...)
			break
		}
	}
	in.insert(Instance{TaskArn: taskArn, InstanceStatus: status})
	if in.capacity > 0 {
		in.trim(in.capacity)
	}
}

// Trim drops the oldest runs until at most max remain.
func (in *Instances) Trim(max int) {
	if in == nil || max < 0 {
		return
	}
	in.trim(max)
}

// Items returns a copy of the runs, oldest first.
func (in *Instances) Items() []Instance {
	if in == nil {
		return nil
	}
	out := make([]Instance, len(in.items))
	copy(out, in.items)
	return out
}

// Statuses returns the status of every run, oldest first.
func (in *Instances) Statuses() []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in.items))
	for _, item := range in.items {
		out = append(out, item.Status)
	}
	return out
}

func (in *Instances) insert(item Instance) {
	idx := sort.Search(len(in.items), func(i int) bool {
		return in.items[i].Updated.After(item.Updated)
	})
	in.items = append(in.items, Instance{})
	copy(in.items[idx+1:], in.items[idx:])
	in.items[idx] = item
}

func (in *Instances) trim(max int) {
	if len(in.items) <= max {
		return
	}
	drop := len(in.items) - max
	in.items = append([]Instance(nil), in.items[drop:]...)
}

// MarshalJSON encodes the runs as a task arn keyed object.
func (in *Instances) MarshalJSON() ([]byte, error) {
	out := make(map[string]InstanceStatus, in.Len())
	if in != nil {
		for _, item := range in.items {
			out[item.TaskArn] = item.InstanceStatus
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a task arn keyed object, ordering runs by timestamp.
func (in *Instances) UnmarshalJSON(data []byte) error {
	raw := map[string]InstanceStatus{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	in.items = in.items[:0]
	arns := make([]string, 0, len(raw))
	for arn := range raw {
		arns = append(arns, arn)
	}
	sort.Strings(arns)
	for _, arn := range arns {
		in.insert(Instance{TaskArn: arn, InstanceStatus: raw[arn]})
	}
	return nil
}
