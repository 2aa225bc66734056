// Package scheduler keeps schedule triggers and queue repeatables in sync.
// Each active SCHEDULE trigger owns one repeatable keyed by its trigger id;
// firing enqueues a scheduled-execution job that the orchestrator turns into
// a workflow execution.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/queue"
	"github.com/loomhq/loom/runtime/workflow"
)

// JobScheduledExecution is the queue job name for schedule firings.
const JobScheduledExecution = "scheduled-execution"

// keyPrefix namespaces repeatable keys per trigger.
const keyPrefix = "schedule-trigger:"

// Payload is the scheduled-execution job argument.
type Payload struct {
	TriggerID   string `json:"triggerId"`
	WorkflowID  string `json:"workflowId"`
	OwnerID     string `json:"ownerId"`
	IsScheduled bool   `json:"isScheduled"`
}

// fieldPattern accepts one cron field: wildcards with optional step, or
// lists/ranges/steps of numbers. Names (JAN, MON) are left to the parser.
var fieldPattern = regexp.MustCompile(`^(\*(/\d+)?|[0-9A-Za-z]+([,\-/][0-9A-Za-z]+)*)$`)

// Scheduler manages the repeatables backing schedule triggers.
type Scheduler struct {
	queue queue.Queue
}

// New constructs a scheduler over the queue.
func New(q queue.Queue) *Scheduler {
	return &Scheduler{queue: q}
}

// Resume registers the repeatable for an active schedule trigger, replacing
// any previous registration.
func (s *Scheduler) Resume(ctx context.Context, trig *workflow.Trigger, wf *workflow.Workflow) error {
	if trig.Type != workflow.TriggerSchedule {
		return fmt.Errorf("trigger %s is not a schedule trigger", trig.ID)
	}
	if err := ValidateCron(trig.Config.Cron); err != nil {
		return err
	}
	payload := Payload{
		TriggerID:   trig.ID,
		WorkflowID:  wf.ID,
		OwnerID:     wf.OwnerID,
		IsScheduled: true,
	}
	return s.queue.UpsertRepeatable(ctx, keyPrefix+trig.ID, trig.Config.Cron, trig.Config.Timezone,
		func() (string, json.RawMessage, queue.Options) {
			raw, _ := json.Marshal(payload)
			return JobScheduledExecution, raw, queue.Options{}
		})
}

// Pause unregisters the trigger's repeatable. Pausing an unknown trigger is
// a no-op.
func (s *Scheduler) Pause(ctx context.Context, triggerID string) error {
	return s.queue.RemoveRepeatable(ctx, keyPrefix+triggerID)
}

// Sync registers repeatables for every schedule trigger whose workflow is
// active. Called on boot so restarts do not drop schedules.
func (s *Scheduler) Sync(ctx context.Context, triggers workflow.TriggerStore, workflows workflow.Store) error {
	trigs, err := triggers.ListByType(ctx, workflow.TriggerSchedule)
	if err != nil {
		return fmt.Errorf("list schedule triggers: %w", err)
	}
	var resumed int
	for _, trig := range trigs {
		wf, err := workflows.Get(ctx, trig.WorkflowID)
		if err != nil {
			log.Errorf(ctx, err, "schedule trigger %s references missing workflow %s", trig.ID, trig.WorkflowID)
			continue
		}
		if !wf.IsActive {
			continue
		}
		if err := s.Resume(ctx, trig, wf); err != nil {
			log.Errorf(ctx, err, "schedule trigger %s not resumed", trig.ID)
			continue
		}
		resumed++
	}
	log.Printf(ctx, "schedules synced: %d active", resumed)
	return nil
}

// ValidateCron checks a 5- or 6-field cron pattern, combining a per-field
// shape check with a full parse so error messages name the bad field.
func ValidateCron(spec string) error {
	fields := strings.Fields(spec)
	if len(fields) != 5 && len(fields) != 6 {
		return fmt.Errorf("cron pattern must have 5 or 6 fields, got %d", len(fields))
	}
	for i, f := range fields {
		if !fieldPattern.MatchString(f) {
			return fmt.Errorf("cron field %d is malformed: %q", i+1, f)
		}
	}
	if _, err := queue.ParseSpec(spec, ""); err != nil {
		return fmt.Errorf("invalid cron pattern: %w", err)
	}
	return nil
}

// NextRun returns the next firing time of the pattern in the given zone.
func NextRun(spec, tz string) (time.Time, error) {
	sched, err := queue.ParseSpec(spec, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(time.Now()), nil
}
