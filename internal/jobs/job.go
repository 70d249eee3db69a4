// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/juju/lvmd/core/objectgraph"
)

// Operation labels carried by jobs. Clients use them to describe what a
// job is doing, and the synchronizer uses them to attribute progress.
const (
	OperationVolumeGroupCreate = "lvm-vg-create"
	OperationVolumeGroupDelete = "lvm-vg-delete"
	OperationVolumeGroupRename = "lvm-vg-rename"
	OperationAddDevice         = "lvm-vg-add-device"
	OperationRemoveDevice      = "lvm-vg-rem-device"
	OperationEmptyDevice       = "lvm-vg-empty-device"
	OperationVolumeCreate      = "lvm-vg-create-volume"
	OperationVolumeDelete      = "lvm-lvol-delete"
	OperationVolumeRename      = "lvm-vg-rename"
	OperationVolumeResize      = "lvm-vg-resize"
	OperationVolumeActivate    = "lvm-lvol-activate"
	OperationVolumeDeactivate  = "lvm-lvol-deactivate"
	OperationVolumeSnapshot    = "lvm-lvol-snapshot"
	OperationFormatErase       = "format-erase"
)

const (
	kindSpawned  = "spawned"
	kindThreaded = "threaded"

	cancelledMessage = "Operation was cancelled"
	noStatus         = -1
)

// CompletedTopic is published on the store hub when a job completes.
// The data is a CompletedEvent.
const CompletedTopic = "jobs.completed"

// CompletedEvent describes a finished job.
type CompletedEvent struct {
	Path      string
	Operation string
	Result    Result
}

// State is a step in the life of a job. A job only moves forward.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Result is the outcome of a job.
type Result struct {
	Success bool

	// Status is the exit status of a spawned process. It is -1 when the
	// process was killed by a signal or never started, and 0 for
	// threaded jobs.
	Status int

	Message string
}

// Completion overrides the default outcome of a job.
type Completion struct {
	Success bool
	Message string
}

// Job is a tracked unit of asynchronous work. It is published at
// objectgraph.JobPath(ID) from launch until completion.
type Job struct {
	id           uint64
	path         string
	kind         string
	operation    string
	startedByUID uint32
	objects      []string
	autoEstimate bool
	startTime    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	progress      float64
	progressValid bool

	once   sync.Once
	done   chan struct{}
	result Result

	// changed announces a progress update to the object graph.
	changed func()
}

// Path is part of the objectgraph.Object interface.
func (j *Job) Path() string {
	return j.path
}

// Kind is part of the objectgraph.Object interface.
func (j *Job) Kind() objectgraph.Kind {
	return objectgraph.KindJob
}

// ID returns the sequential id of the job.
func (j *Job) ID() uint64 {
	return j.id
}

// Operation returns the operation label of the job.
func (j *Job) Operation() string {
	return j.operation
}

// StartedByUID returns the uid of the caller that launched the job.
func (j *Job) StartedByUID() uint32 {
	return j.startedByUID
}

// Objects returns the paths of the objects the job pertains to.
func (j *Job) Objects() []string {
	return append([]string(nil), j.objects...)
}

// Cancel requests cancellation of the job.
func (j *Job) Cancel() {
	j.cancel()
}

// Done is closed once the job has completed.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the outcome of the job. It is only meaningful after
// Done is closed.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// State returns where the job is in its life.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns the progress of the job in the range [0, 1] and
// whether it is known.
func (j *Job) Progress() (float64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress, j.progressValid
}

// SetProgress records the progress of the job and announces the change.
// Values are clamped to [0, 1]. It may be called from any goroutine.
func (j *Job) SetProgress(progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	j.mu.Lock()
	j.progress = progress
	j.progressValid = true
	j.mu.Unlock()
	if j.changed != nil {
		j.changed()
	}
}

// Properties returns the published attributes of the job.
func (j *Job) Properties() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return map[string]interface{}{
		"Operation":     j.operation,
		"Objects":       append([]string(nil), j.objects...),
		"StartedByUID":  j.startedByUID,
		"StartTime":     j.startTime.UnixMicro(),
		"Cancelable":    true,
		"AutoEstimate":  j.autoEstimate,
		"Progress":      j.progress,
		"ProgressValid": j.progressValid,
		"State":         string(j.state),
	}
}

func (j *Job) setState(state State) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}
