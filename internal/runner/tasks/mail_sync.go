// Package tasks holds the concrete background tasks the server schedules.
package tasks

import (
	"context"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/config"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/sync"
)

// MailSyncTask sweeps every active mailbox on the configured cadence.
type MailSyncTask struct {
	syncer   *sync.Syncer
	schedule string
}

// NewMailSyncTask wires the sweep to the runner.
func NewMailSyncTask(syncer *sync.Syncer, cfg config.MailSyncConfig) *MailSyncTask {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 */2 * * * *"
	}
	return &MailSyncTask{syncer: syncer, schedule: schedule}
}

func (t *MailSyncTask) Name() string     { return "mail-sync" }
func (t *MailSyncTask) Schedule() string { return t.schedule }

func (t *MailSyncTask) Timeout() time.Duration {
	return 10 * time.Minute
}

func (t *MailSyncTask) Run(ctx context.Context) error {
	return t.syncer.SyncAll(ctx)
}
