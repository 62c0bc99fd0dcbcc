// Package workflow runs sequential multi-approver review workflows.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/email"
	"docflow/api/internal/events"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
)

const maxAttempts = 3

type workflowStore interface {
	GetDocument(context.Context, string) (store.Document, error)
	InsertWorkflow(context.Context, store.Workflow) error
	GetWorkflow(context.Context, string) (store.Workflow, error)
	UpdateWorkflow(context.Context, store.Workflow) (store.Workflow, error)
	ActiveWorkflow(context.Context, string) (*store.Workflow, error)
	ListWorkflows(context.Context, string) ([]store.Workflow, error)
	ListActiveWorkflows(context.Context) ([]store.Workflow, error)
}

type authorizer interface {
	Check(ctx context.Context, userID string, resource rbac.Resource, required rbac.Level, rc rbac.Context) bool
}

// approvalMarker flags the document head once a workflow completes.
type approvalMarker interface {
	Head(ctx context.Context, documentID, branch string) (*store.DocumentVersion, error)
	MarkApproved(ctx context.Context, versionID string) error
}

type publisher interface {
	Publish(documentID, eventType, actor string, payload any, excludeSubID string) events.Event
}

type notifier interface {
	Notify(ctx context.Context, n email.Notification) error
}

type Engine struct {
	store    workflowStore
	access   authorizer
	versions approvalMarker
	events   publisher
	notifier notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func New(st workflowStore, access authorizer, versions approvalMarker, hub publisher, n notifier, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		access:   access,
		versions: versions,
		events:   hub,
		notifier: n,
		logger:   logger.With().Str("component", "workflow").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type StepInput struct {
	Name              string     `json:"name"`
	Assignees         []string   `json:"assignees"`
	RequiredApprovals int        `json:"requiredApprovals"`
	DueDate           *time.Time `json:"dueDate,omitempty"`
}

type CreateInput struct {
	DocumentID string
	Name       string
	CreatorID  string
	Steps      []StepInput
	Priority   string
	Deadline   *time.Time
}

func (e *Engine) Create(ctx context.Context, input CreateInput) (store.Workflow, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Workflow{}, apperr.New(apperr.ErrValidation, "workflow name is required")
	}
	priority, err := parsePriority(input.Priority)
	if err != nil {
		return store.Workflow{}, err
	}
	steps, err := buildSteps(input.Steps)
	if err != nil {
		return store.Workflow{}, err
	}
	if _, err := e.store.GetDocument(ctx, input.DocumentID); err != nil {
		return store.Workflow{}, err
	}
	if !e.allowed(ctx, input.CreatorID, rbac.Document(input.DocumentID), rbac.LevelEdit) {
		return store.Workflow{}, apperr.New(apperr.ErrForbidden, "edit access required to start a workflow")
	}

	now := e.now()
	steps[0].Status = store.StepInProgress
	wf := store.Workflow{
		ID:         util.NewID("wf"),
		DocumentID: input.DocumentID,
		Name:       name,
		Status:     store.WorkflowActive,
		Steps:      steps,
		CreatedBy:  input.CreatorID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Priority:   priority,
		Deadline:   input.Deadline,
	}
	if err := e.store.InsertWorkflow(ctx, wf); err != nil {
		return store.Workflow{}, err
	}

	e.events.Publish(wf.DocumentID, events.WorkflowCreated, input.CreatorID, wf, events.OriginFrom(ctx))
	e.notifyStep(ctx, wf, 0, input.CreatorID)
	e.logger.Info().Str("workflowId", wf.ID).Str("documentId", wf.DocumentID).Int("steps", len(wf.Steps)).Msg("workflow created")
	return wf, nil
}

func buildSteps(inputs []StepInput) ([]store.WorkflowStep, error) {
	if len(inputs) == 0 {
		return nil, apperr.New(apperr.ErrInvalidWorkflow, "workflow needs at least one step")
	}
	steps := make([]store.WorkflowStep, 0, len(inputs))
	for i, in := range inputs {
		assignees := cleanAssignees(in.Assignees)
		switch {
		case len(assignees) == 0:
			return nil, apperr.Newf(apperr.ErrInvalidWorkflow, "step %d has no assignees", i+1)
		case in.RequiredApprovals < 1:
			return nil, apperr.Newf(apperr.ErrInvalidWorkflow, "step %d must require at least one approval", i+1)
		}
		name := strings.TrimSpace(in.Name)
		if name == "" {
			name = fmt.Sprintf("Step %d", i+1)
		}
		steps = append(steps, store.WorkflowStep{
			ID:                util.NewID("step"),
			Name:              name,
			Assignees:         assignees,
			Status:            store.StepPending,
			RequiredApprovals: in.RequiredApprovals,
			Approvals:         []store.Approval{},
			DueDate:           in.DueDate,
		})
	}
	return steps, nil
}

func cleanAssignees(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func parsePriority(value string) (store.Priority, error) {
	priority := store.Priority(strings.ToLower(strings.TrimSpace(value)))
	if priority == "" {
		return store.PriorityMedium, nil
	}
	if priority.Rank() == 0 {
		return "", apperr.Newf(apperr.ErrValidation, "priority must be one of low, medium, high, urgent (got %q)", value)
	}
	return priority, nil
}

type outcome int

const (
	outcomeApproved outcome = iota
	outcomeStepCompleted
	outcomeCompleted
	outcomeCancelled
)

// Approve records approverID on the active step. Assignees may approve, as
// may anyone holding admin on the workflow or its document.
func (e *Engine) Approve(ctx context.Context, workflowID, stepID, approverID string) (store.Workflow, error) {
	var completedIndex int
	wf, result, err := e.mutate(ctx, workflowID, func(wf *store.Workflow) (outcome, error) {
		idx, err := e.actionableStep(ctx, wf, stepID, approverID)
		if err != nil {
			return 0, err
		}
		step := &wf.Steps[idx]
		if step.ApprovedBy(approverID) {
			return 0, apperr.New(apperr.ErrConflict, "approver already approved this step")
		}
		now := e.now()
		step.Approvals = append(step.Approvals, store.Approval{ApproverID: approverID, At: now})
		step.CurrentApprovals = len(step.Approvals)
		wf.UpdatedAt = now
		if step.CurrentApprovals < step.RequiredApprovals {
			return outcomeApproved, nil
		}
		step.Status = store.StepCompleted
		completedIndex = idx
		if idx == len(wf.Steps)-1 {
			wf.Status = store.WorkflowCompleted
			wf.CompletedAt = &now
			return outcomeCompleted, nil
		}
		wf.Steps[idx+1].Status = store.StepInProgress
		return outcomeStepCompleted, nil
	})
	if err != nil {
		return store.Workflow{}, err
	}

	origin := events.OriginFrom(ctx)
	switch result {
	case outcomeStepCompleted:
		e.events.Publish(wf.DocumentID, events.WorkflowStepCompleted, approverID, stepPayload(wf, completedIndex), origin)
		e.notifyStep(ctx, wf, completedIndex+1, approverID)
	case outcomeCompleted:
		e.events.Publish(wf.DocumentID, events.WorkflowStepCompleted, approverID, stepPayload(wf, completedIndex), origin)
		e.events.Publish(wf.DocumentID, events.WorkflowCompleted, approverID, wf, origin)
		e.markHeadApproved(ctx, wf)
		e.notify(ctx, email.Notification{
			Kind:       email.KindWorkflowCompleted,
			Recipients: []string{wf.CreatedBy},
			ActorID:    approverID,
			DocumentID: wf.DocumentID,
			Subject:    fmt.Sprintf("Workflow %q completed", wf.Name),
		})
		e.logger.Info().Str("workflowId", wf.ID).Msg("workflow completed")
	}
	return wf, nil
}

// Reject marks the active step rejected, which cancels the workflow.
func (e *Engine) Reject(ctx context.Context, workflowID, stepID, actorID, reason string) (store.Workflow, error) {
	reason = strings.TrimSpace(reason)
	wf, _, err := e.mutate(ctx, workflowID, func(wf *store.Workflow) (outcome, error) {
		idx, err := e.actionableStep(ctx, wf, stepID, actorID)
		if err != nil {
			return 0, err
		}
		now := e.now()
		step := &wf.Steps[idx]
		step.Status = store.StepRejected
		step.RejectedBy = actorID
		step.RejectReason = reason
		wf.Status = store.WorkflowCancelled
		wf.CancelReason = fmt.Sprintf("step %q rejected", step.Name)
		if reason != "" {
			wf.CancelReason += ": " + reason
		}
		wf.UpdatedAt = now
		wf.CompletedAt = &now
		return outcomeCancelled, nil
	})
	if err != nil {
		return store.Workflow{}, err
	}
	e.cancelled(ctx, wf, actorID)
	return wf, nil
}

// Cancel stops an active workflow. It needs admin on the document.
func (e *Engine) Cancel(ctx context.Context, workflowID, actorID, reason string) (store.Workflow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	wf, _, err := e.mutate(ctx, workflowID, func(wf *store.Workflow) (outcome, error) {
		if !e.allowed(ctx, actorID, rbac.Document(wf.DocumentID), rbac.Required(rbac.ActionAdmin)) {
			return 0, apperr.New(apperr.ErrForbidden, "admin access required to cancel a workflow")
		}
		if wf.Status != store.WorkflowActive {
			return 0, apperr.Newf(apperr.ErrConflict, "workflow is already %s", wf.Status)
		}
		now := e.now()
		wf.Status = store.WorkflowCancelled
		wf.CancelReason = reason
		wf.UpdatedAt = now
		wf.CompletedAt = &now
		return outcomeCancelled, nil
	})
	if err != nil {
		return store.Workflow{}, err
	}
	e.cancelled(ctx, wf, actorID)
	return wf, nil
}

func (e *Engine) cancelled(ctx context.Context, wf store.Workflow, actorID string) {
	e.events.Publish(wf.DocumentID, events.WorkflowCancelled, actorID, wf, events.OriginFrom(ctx))
	e.notify(ctx, email.Notification{
		Kind:       email.KindWorkflowCancelled,
		Recipients: []string{wf.CreatedBy},
		ActorID:    actorID,
		DocumentID: wf.DocumentID,
		Subject:    fmt.Sprintf("Workflow %q was cancelled", wf.Name),
		Summary:    wf.CancelReason,
	})
	e.logger.Info().Str("workflowId", wf.ID).Str("actor", actorID).Str("reason", wf.CancelReason).Msg("workflow cancelled")
}

// actionableStep resolves stepID and checks that actorID may act on it and
// that it is the workflow's active step.
func (e *Engine) actionableStep(ctx context.Context, wf *store.Workflow, stepID, actorID string) (int, error) {
	idx := -1
	for i, step := range wf.Steps {
		if step.ID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, apperr.New(apperr.ErrNotFound, "workflow step not found")
	}
	if !wf.Steps[idx].HasAssignee(actorID) && !e.delegated(ctx, wf, actorID) {
		return 0, apperr.New(apperr.ErrForbidden, "not an approver for this step")
	}
	if wf.Status != store.WorkflowActive {
		return 0, apperr.Newf(apperr.ErrConflict, "workflow is already %s", wf.Status)
	}
	if wf.ActiveStep() != idx {
		return 0, apperr.New(apperr.ErrConflict, "step is not the active step")
	}
	return idx, nil
}

func (e *Engine) delegated(ctx context.Context, wf *store.Workflow, userID string) bool {
	return e.allowed(ctx, userID, rbac.Workflow(wf.ID), rbac.Required(rbac.ActionAdmin)) ||
		e.allowed(ctx, userID, rbac.Document(wf.DocumentID), rbac.Required(rbac.ActionAdmin))
}

// mutate applies fn to fresh state and writes it at the read revision,
// retrying when another writer got there first.
func (e *Engine) mutate(ctx context.Context, workflowID string, fn func(*store.Workflow) (outcome, error)) (store.Workflow, outcome, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		wf, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return store.Workflow{}, 0, err
		}
		result, err := fn(&wf)
		if err != nil {
			return store.Workflow{}, 0, err
		}
		updated, err := e.store.UpdateWorkflow(ctx, wf)
		if err == nil {
			return updated, result, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return store.Workflow{}, 0, err
		}
		lastErr = err
		e.logger.Debug().Str("workflowId", workflowID).Int("attempt", attempt+1).Msg("workflow revision moved; retrying")
	}
	return store.Workflow{}, 0, lastErr
}

func (e *Engine) Get(ctx context.Context, workflowID, actorID string) (store.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.Workflow{}, err
	}
	if !e.allowed(ctx, actorID, rbac.Document(wf.DocumentID), rbac.LevelView) && !e.delegated(ctx, &wf, actorID) {
		return store.Workflow{}, apperr.New(apperr.ErrForbidden, "view access required")
	}
	return wf, nil
}

func (e *Engine) List(ctx context.Context, documentID, actorID string) ([]store.Workflow, error) {
	if !e.allowed(ctx, actorID, rbac.Document(documentID), rbac.LevelView) {
		return nil, apperr.New(apperr.ErrForbidden, "view access required")
	}
	return e.store.ListWorkflows(ctx, documentID)
}

// Active returns the document's active workflow, or nil.
func (e *Engine) Active(ctx context.Context, documentID string) (*store.Workflow, error) {
	return e.store.ActiveWorkflow(ctx, documentID)
}

type QueueItem struct {
	WorkflowID   string             `json:"workflowId"`
	WorkflowName string             `json:"workflowName"`
	DocumentID   string             `json:"documentId"`
	Priority     store.Priority     `json:"priority"`
	Step         store.WorkflowStep `json:"step"`
	DueDate      *time.Time         `json:"dueDate,omitempty"`
}

// Queue lists the active steps waiting on assigneeID, most urgent first and
// then by due date. Items without a due date sort last.
func (e *Engine) Queue(ctx context.Context, assigneeID string) ([]QueueItem, error) {
	active, err := e.store.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]QueueItem, 0)
	for _, wf := range active {
		idx := wf.ActiveStep()
		if idx < 0 {
			continue
		}
		step := wf.Steps[idx]
		if !step.HasAssignee(assigneeID) || step.ApprovedBy(assigneeID) {
			continue
		}
		due := step.DueDate
		if due == nil {
			due = wf.Deadline
		}
		items = append(items, QueueItem{
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			DocumentID:   wf.DocumentID,
			Priority:     wf.Priority,
			Step:         step,
			DueDate:      due,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		switch {
		case a.DueDate == nil:
			return false
		case b.DueDate == nil:
			return true
		default:
			return a.DueDate.Before(*b.DueDate)
		}
	})
	return items, nil
}

func (e *Engine) markHeadApproved(ctx context.Context, wf store.Workflow) {
	if e.versions == nil {
		return
	}
	head, err := e.versions.Head(ctx, wf.DocumentID, store.MainBranch)
	if err != nil || head == nil {
		if err != nil {
			e.logger.Error().Err(err).Str("workflowId", wf.ID).Msg("resolve head for approval")
		}
		return
	}
	if err := e.versions.MarkApproved(ctx, head.ID); err != nil {
		e.logger.Error().Err(err).Str("workflowId", wf.ID).Str("versionId", head.ID).Msg("mark head approved")
	}
}

func (e *Engine) notifyStep(ctx context.Context, wf store.Workflow, idx int, actorID string) {
	if idx < 0 || idx >= len(wf.Steps) {
		return
	}
	step := wf.Steps[idx]
	e.notify(ctx, email.Notification{
		Kind:       email.KindStepAssigned,
		Recipients: step.Assignees,
		ActorID:    actorID,
		DocumentID: wf.DocumentID,
		Subject:    fmt.Sprintf("Your approval is needed: %s / %s", wf.Name, step.Name),
	})
}

func (e *Engine) notify(ctx context.Context, n email.Notification) {
	if e.notifier == nil || len(n.Recipients) == 0 {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn().Err(err).Str("kind", n.Kind).Msg("notification failed")
	}
}

func (e *Engine) allowed(ctx context.Context, userID string, resource rbac.Resource, level rbac.Level) bool {
	return e.access.Check(ctx, userID, resource, level, rbac.RequestContext(ctx))
}

func stepPayload(wf store.Workflow, idx int) map[string]any {
	return map[string]any{
		"workflowId": wf.ID,
		"step":       wf.Steps[idx],
		"stepIndex":  idx,
	}
}
