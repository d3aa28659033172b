package queue

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/probewatch/probewatch/internal/engine"
)

// LogDispatcher writes jobs to the log instead of a queue backend. Used
// when no Redis address is configured (development, tests).
type LogDispatcher struct {
	log *logrus.Entry
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(log *logrus.Entry) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Dispatch logs the job and reports success.
func (d *LogDispatcher) Dispatch(ctx context.Context, job engine.DispatchJob) error {
	d.log.WithFields(logrus.Fields{
		"check_id": job.CheckID,
		"target":   job.Target,
		"methods":  job.Methods,
		"agents":   len(job.AgentNames),
	}).Info("dispatch (log only)")
	return nil
}
