package events

import (
	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/manager"
)

// Fanout forwards every event to each notifier in order.
type Fanout []manager.Notifier

func (f Fanout) JobCreated(j *job.Job) {
	for _, n := range f {
		n.JobCreated(j)
	}
}

func (f Fanout) ShareProcessed(e manager.ShareEvent) {
	for _, n := range f {
		n.ShareProcessed(e)
	}
}

func (f Fanout) BlockFound(e manager.BlockEvent) {
	for _, n := range f {
		n.BlockFound(e)
	}
}

// Broadcaster pushes new jobs to miners synchronously, ahead of the
// dispatcher queue, and ignores share and block events.
type Broadcaster struct {
	manager.NopNotifier
	Broadcast func(j *job.Job)
}

func (b Broadcaster) JobCreated(j *job.Job) {
	b.Broadcast(j)
}
