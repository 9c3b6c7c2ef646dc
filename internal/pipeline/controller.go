package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/specialist"
	"github.com/xcawolfe-amzn/panopticon/internal/tracker"
)

// Controller errors.
var (
	// ErrAlreadyReviewedNeedsAction means the issue has outstanding
	// review feedback; the worker must address it before re-review.
	ErrAlreadyReviewedNeedsAction = errors.New("review feedback pending; address it before requesting another review")
	// ErrNotReadyForMerge means approve was called before both review
	// and test passed.
	ErrNotReadyForMerge = errors.New("issue is not ready for merge")
	// ErrUnknownStatus means a completion report carried an
	// unrecognized status value.
	ErrUnknownStatus = errors.New("unknown completion status")
)

// workerMessenger delivers feedback to the worker agent for an issue.
// Delivery is opportunistic: no live session means no delivery, which is
// fine because the notes are persisted in the status record.
type workerMessenger interface {
	MessageIssue(issueID, text string) (delivered bool, err error)
}

// Controller owns ReviewStatus transitions and feeds the specialists.
type Controller struct {
	store       *Store
	specialists *specialist.Registry
	workers     workerMessenger
	tracker     tracker.IssueTracker
	pusher      tracker.BranchPusher
	log         *zap.Logger

	maxAutoRequeue int
	trackerTimeout time.Duration
}

// NewController wires a pipeline controller.
func NewController(store *Store, reg *specialist.Registry, workers workerMessenger,
	it tracker.IssueTracker, pusher tracker.BranchPusher, log *zap.Logger,
	maxAutoRequeue int, trackerTimeout time.Duration) *Controller {
	return &Controller{
		store:          store,
		specialists:    reg,
		workers:        workers,
		tracker:        it,
		pusher:         pusher,
		log:            log,
		maxAutoRequeue: maxAutoRequeue,
		trackerTimeout: trackerTimeout,
	}
}

// StartReview is the human-initiated entry into the pipeline. It resets
// the circuit breaker, pushes the branch best-effort, and wakes or queues
// the review agent. Returns queued=true when the review agent was busy.
func (c *Controller) StartReview(issueID, workspace, branch string) (queued bool, err error) {
	st, _, err := c.store.Get(issueID)
	if err != nil {
		return false, err
	}
	if (st.ReviewStatus == ReviewBlocked || st.ReviewStatus == ReviewFailed) && st.ReviewNotes != "" {
		return false, fmt.Errorf("%w: %s", ErrAlreadyReviewedNeedsAction, st.ReviewNotes)
	}

	// A human review request resets both stages and the breaker.
	if _, err := c.store.Update(issueID, func(m *Mutation) {
		m.ReviewStatus = ReviewReviewing
		m.TestStatus = TestPending
		m.AutoRequeueCount = 0
		if workspace != "" {
			m.Workspace = workspace
		}
		if branch != "" {
			m.Branch = branch
		}
	}); err != nil {
		return false, err
	}

	c.pushBranch(issueID, workspace, branch)

	woken, err := c.specialists.WakeOrQueue(specialist.ReviewAgent, specialist.WorkItem{
		Kind:     specialist.KindTask,
		Priority: specialist.PriorityNormal,
		Source:   "review-request",
		Payload:  specialist.Payload{IssueID: issueID, Workspace: workspace, Branch: branch},
	})
	if err != nil {
		return false, err
	}
	return !woken, nil
}

// Approve is the human-initiated merge path. The issue must be ready for
// merge; the merge agent is woken or queued at high priority.
func (c *Controller) Approve(issueID string) (queued bool, err error) {
	st, found, err := c.store.Get(issueID)
	if err != nil {
		return false, err
	}
	if !found || !st.ReadyForMerge {
		return false, fmt.Errorf("%w: %s (review=%s test=%s)", ErrNotReadyForMerge, issueID, st.ReviewStatus, st.TestStatus)
	}

	if _, err := c.store.Update(issueID, func(m *Mutation) {
		m.MergeStatus = MergeMerging
	}); err != nil {
		return false, err
	}

	woken, err := c.specialists.WakeOrQueue(specialist.MergeAgent, specialist.WorkItem{
		Kind:     specialist.KindTask,
		Priority: specialist.PriorityHigh,
		Source:   "approve",
		Payload:  specialist.Payload{IssueID: issueID, Workspace: st.Workspace, Branch: st.Branch},
	})
	if err != nil {
		return false, err
	}
	return !woken, nil
}

// Report statuses a specialist may post.
const (
	ReportPassed  = "passed"
	ReportFailed  = "failed"
	ReportBlocked = "blocked"
)

// normalizeSpecialist maps short report names to registry names.
func normalizeSpecialist(name string) (string, error) {
	switch name {
	case "review", specialist.ReviewAgent:
		return specialist.ReviewAgent, nil
	case "test", specialist.TestAgent:
		return specialist.TestAgent, nil
	case "merge", specialist.MergeAgent:
		return specialist.MergeAgent, nil
	default:
		return "", fmt.Errorf("%w: %s", specialist.ErrUnknownSpecialist, name)
	}
}

// ReportStatus processes a specialist's completion report. This is the
// only completion signal the engine accepts; terminal output is never
// scraped for status.
func (c *Controller) ReportStatus(specialistName, issueID, status, notes string) error {
	name, err := normalizeSpecialist(specialistName)
	if err != nil {
		return err
	}
	if status != ReportPassed && status != ReportFailed && status != ReportBlocked {
		return fmt.Errorf("%w: %s", ErrUnknownStatus, status)
	}

	switch name {
	case specialist.ReviewAgent:
		err = c.reportReview(issueID, status, notes)
	case specialist.TestAgent:
		err = c.reportTest(issueID, status, notes)
	case specialist.MergeAgent:
		err = c.reportMerge(issueID, status, notes)
	}
	if err != nil {
		return err
	}

	// Sleep the reporter and immediately feed it the next queued item.
	return c.specialists.ReportCompletion(name, issueID)
}

func (c *Controller) reportReview(issueID, status, notes string) error {
	if status == ReportPassed {
		st, err := c.store.Update(issueID, func(m *Mutation) {
			m.ReviewStatus = ReviewPassed
			m.ReviewNotes = notes
		})
		if err != nil {
			return err
		}

		// Review pass hands straight to the test agent at high priority.
		if _, err := c.specialists.WakeOrQueue(specialist.TestAgent, specialist.WorkItem{
			Kind:     specialist.KindTask,
			Priority: specialist.PriorityHigh,
			Source:   "review-passed",
			Payload:  specialist.Payload{IssueID: issueID, Workspace: st.Workspace, Branch: st.Branch},
		}); err != nil {
			return err
		}

		c.updateTracker(issueID, "In Review")
		return nil
	}

	reviewState := ReviewFailed
	if status == ReportBlocked {
		reviewState = ReviewBlocked
	}
	if _, err := c.store.Update(issueID, func(m *Mutation) {
		m.ReviewStatus = reviewState
		m.ReviewNotes = notes
	}); err != nil {
		return err
	}
	// Review failure never auto-requeues; the worker must act first.
	c.deliverFeedback(issueID, "REVIEW", strings.ToUpper(status), notes)
	return nil
}

func (c *Controller) reportTest(issueID, status, notes string) error {
	if status == ReportPassed {
		_, err := c.store.Update(issueID, func(m *Mutation) {
			m.TestStatus = TestPassed
			m.TestNotes = notes
		})
		return err
	}

	st, err := c.store.Update(issueID, func(m *Mutation) {
		m.TestStatus = TestFailed
		m.TestNotes = notes
	})
	if err != nil {
		return err
	}

	c.deliverFeedback(issueID, "TEST", strings.ToUpper(status), notes)

	// Bounded auto-requeue: a failed test sends the issue back to
	// review until the breaker trips; then a human must intervene.
	if st.AutoRequeueCount >= c.maxAutoRequeue {
		c.log.Warn("auto-requeue circuit breaker open",
			zap.String("issue", issueID),
			zap.Int("count", st.AutoRequeueCount))
		return nil
	}

	st, err = c.store.Update(issueID, func(m *Mutation) {
		m.AutoRequeueCount++
		m.ReviewStatus = ReviewReviewing
	})
	if err != nil {
		return err
	}

	_, err = c.specialists.WakeOrQueue(specialist.ReviewAgent, specialist.WorkItem{
		Kind:     specialist.KindTask,
		Priority: specialist.PriorityNormal,
		Source:   "auto-requeue",
		Payload:  specialist.Payload{IssueID: issueID, Workspace: st.Workspace, Branch: st.Branch},
	})
	return err
}

func (c *Controller) reportMerge(issueID, status, notes string) error {
	if status == ReportPassed {
		if _, err := c.store.Update(issueID, func(m *Mutation) {
			m.MergeStatus = MergeMerged
		}); err != nil {
			return err
		}
		c.closeTracker(issueID)
		return nil
	}

	_, err := c.store.Update(issueID, func(m *Mutation) {
		m.MergeStatus = MergeFailed
	})
	if err != nil {
		return err
	}
	c.log.Warn("merge failed", zap.String("issue", issueID), zap.String("notes", notes))
	return nil
}

// deliverFeedback sends specialist notes to the worker agent's session.
// Best-effort: the notes are already persisted in the status record.
func (c *Controller) deliverFeedback(issueID, specialistLabel, status, notes string) {
	msg := fmt.Sprintf("%s %s for %s:\n\n%s\n\nAddress the feedback above, then request another review when ready.",
		specialistLabel, status, issueID, notes)
	delivered, err := c.workers.MessageIssue(issueID, msg)
	if err != nil {
		c.log.Warn("feedback delivery failed", zap.String("issue", issueID), zap.Error(err))
		return
	}
	if !delivered {
		c.log.Info("worker session absent; feedback persisted only", zap.String("issue", issueID))
	}
}

// pushBranch pushes the feature branch best-effort before review.
func (c *Controller) pushBranch(issueID, workspace, branch string) {
	if c.pusher == nil || workspace == "" || branch == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.trackerTimeout)
	defer cancel()
	if err := c.pusher.Push(ctx, workspace, branch); err != nil {
		c.log.Warn("branch push failed", zap.String("issue", issueID), zap.Error(err))
	}
}

func (c *Controller) updateTracker(issueID, stateName string) {
	if c.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.trackerTimeout)
	defer cancel()
	if err := c.tracker.SetState(ctx, issueID, stateName); err != nil {
		c.log.Warn("tracker update failed", zap.String("issue", issueID), zap.Error(err))
	}
}

func (c *Controller) closeTracker(issueID string) {
	if c.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.trackerTimeout)
	defer cancel()
	if err := c.tracker.Close(ctx, issueID); err != nil {
		c.log.Warn("tracker close failed", zap.String("issue", issueID), zap.Error(err))
	}
}

// StatusFor exposes the store record for the control surface.
func (c *Controller) StatusFor(issueID string) (Status, bool, error) {
	return c.store.Get(issueID)
}

// UpdateStatus applies a direct status update from the control surface.
// Fields left nil are untouched; an explicit readyForMerge overrides the
// derivation for this update.
type StatusPatch struct {
	ReviewStatus  *string `json:"reviewStatus,omitempty"`
	TestStatus    *string `json:"testStatus,omitempty"`
	MergeStatus   *string `json:"mergeStatus,omitempty"`
	ReviewNotes   *string `json:"reviewNotes,omitempty"`
	TestNotes     *string `json:"testNotes,omitempty"`
	ReadyForMerge *bool   `json:"readyForMerge,omitempty"`
}

// Patch applies a StatusPatch.
func (c *Controller) Patch(issueID string, p StatusPatch) (Status, error) {
	return c.store.Update(issueID, func(m *Mutation) {
		if p.ReviewStatus != nil {
			m.ReviewStatus = *p.ReviewStatus
		}
		if p.TestStatus != nil {
			m.TestStatus = *p.TestStatus
		}
		if p.MergeStatus != nil {
			m.MergeStatus = *p.MergeStatus
		}
		if p.ReviewNotes != nil {
			m.ReviewNotes = *p.ReviewNotes
		}
		if p.TestNotes != nil {
			m.TestNotes = *p.TestNotes
		}
		if p.ReadyForMerge != nil {
			m.SetReadyForMerge(*p.ReadyForMerge)
		}
	})
}
