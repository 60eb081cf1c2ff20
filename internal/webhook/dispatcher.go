package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/process"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
	"github.com/nextlevelbuilder/agentmesh/internal/trace"
)

// defaultMinTriggerInterval is the per-registration floor between
// dispatches. A registration fires at most once per interval; extra
// matches within it are skipped, not queued.
const defaultMinTriggerInterval = time.Minute

// DeliveryTopic is the bus topic new delivery records are announced on.
const DeliveryTopic = "events-webhook-delivery"

// DispatcherOptions tunes dispatch behavior.
type DispatcherOptions struct {
	MinTriggerInterval time.Duration
}

// Summary is the dispatch outcome returned to the webhook sender.
type Summary struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Details   []string `json:"details"`
}

// Dispatcher matches verified events against registrations and starts a
// session or work task per match. It is safe for concurrent use.
type Dispatcher struct {
	stores    *store.Stores
	manager   process.Manager
	worktasks WorkTaskService
	events    bus.Bus
	met       *metrics.Metrics
	opts      DispatcherOptions

	now func() time.Time

	mu          sync.Mutex
	lastTrigger map[string]time.Time
}

// NewDispatcher builds a dispatcher. worktasks may be nil, in which case
// every match starts a plain session. events and met may be nil.
func NewDispatcher(stores *store.Stores, manager process.Manager, worktasks WorkTaskService, events bus.Bus, met *metrics.Metrics, opts DispatcherOptions) *Dispatcher {
	if opts.MinTriggerInterval <= 0 {
		opts.MinTriggerInterval = defaultMinTriggerInterval
	}
	return &Dispatcher{
		stores:      stores,
		manager:     manager,
		worktasks:   worktasks,
		events:      events,
		met:         met,
		opts:        opts,
		now:         time.Now,
		lastTrigger: make(map[string]time.Time),
	}
}

// Process dispatches one verified webhook body. The caller must have
// checked the signature already; this function never sees unverified
// input. A non-nil error means the payload itself was unusable.
func (d *Dispatcher) Process(ctx context.Context, eventName string, body []byte) (*Summary, error) {
	p, err := ParsePayload(body)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Details: []string{}}
	kind, ok := MapEvent(eventName, p)
	if !ok {
		sum.Details = append(sum.Details, fmt.Sprintf("ignored event %q", eventName))
		return sum, nil
	}

	regs, err := d.stores.Registrations.FindRegistrationsForRepo(ctx, p.Repository.FullName)
	if err != nil {
		return nil, &store.StoreError{Op: "FindRegistrationsForRepo", Err: err}
	}

	for _, reg := range regs {
		reg := reg
		tc := trace.NewEventContext(ctx, trace.SourceWebhook, "")
		_ = trace.RunWith(ctx, tc, func(ctx context.Context) error {
			detail, processed := d.dispatchOne(ctx, kind, p, &reg)
			if processed {
				sum.Processed++
			} else {
				sum.Skipped++
			}
			if detail != "" {
				sum.Details = append(sum.Details, detail)
			}
			return nil
		})
	}
	return sum, nil
}

// dispatchOne handles one registration against one event. It returns a
// human-readable detail line and whether the registration was actually
// triggered.
func (d *Dispatcher) dispatchOne(ctx context.Context, kind EventKind, p *Payload, reg *store.Registration) (string, bool) {
	log := trace.Logger(ctx)

	if reg.Status != store.RegistrationActive {
		return fmt.Sprintf("registration %s: not active", reg.ID), false
	}
	if !slices.Contains(reg.Events, string(kind)) {
		return fmt.Sprintf("registration %s: event %s not subscribed", reg.ID, kind), false
	}

	body := MentionBody(kind, p)
	if !ContainsMention(body, reg.MentionUser) {
		return fmt.Sprintf("registration %s: no mention of @%s", reg.ID, reg.MentionUser), false
	}
	if author := Author(kind, p); strings.EqualFold(author, reg.MentionUser) {
		// The agent mentioning itself must never re-trigger it.
		return fmt.Sprintf("registration %s: self-mention", reg.ID), false
	}
	if !d.allowTrigger(reg.ID) {
		if d.met != nil {
			d.met.RateLimitRejections.WithLabelValues("webhook_trigger", reg.AgentID).Inc()
		}
		return fmt.Sprintf("registration %s: rate limited", reg.ID), false
	}

	delivery := &store.Delivery{
		RegistrationID: reg.ID,
		Event:          string(kind),
		Action:         p.Action,
		Repo:           p.Repository.FullName,
		Sender:         Author(kind, p),
		Body:           body,
		HTMLURL:        eventURL(kind, p),
		Status:         store.DeliveryPending,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.stores.Deliveries.CreateDelivery(ctx, delivery); err != nil {
		log.Error("recording delivery", "registration_id", reg.ID, "error", err)
		return fmt.Sprintf("registration %s: delivery record failed", reg.ID), false
	}
	d.announceDelivery(ctx, delivery)

	agent, err := d.stores.Agents.GetAgent(ctx, reg.AgentID)
	if err != nil {
		d.failDelivery(ctx, delivery.ID, fmt.Sprintf("agent %s not found", reg.AgentID))
		return fmt.Sprintf("registration %s: agent %s not found", reg.ID, reg.AgentID), false
	}

	if err := d.stores.Deliveries.UpdateDeliveryStatus(ctx, delivery.ID, store.DeliveryProcessing, store.DeliveryUpdate{}); err != nil {
		log.Warn("marking delivery processing", "delivery_id", delivery.ID, "error", err)
	}

	mode := DetectWorkMode(body)
	var detail string
	switch {
	case mode == ModeWorkTask && d.worktasks != nil:
		detail, err = d.startWorkTask(ctx, kind, p, reg, delivery, body)
	default:
		detail, err = d.startSession(ctx, kind, p, reg, delivery)
	}
	if err != nil {
		d.failDelivery(ctx, delivery.ID, err.Error())
		log.Error("dispatch failed", "registration_id", reg.ID, "agent_id", agent.ID, "error", err)
		return fmt.Sprintf("registration %s: %v", reg.ID, err), false
	}

	if err := d.stores.Registrations.IncrementTriggerCount(ctx, reg.ID); err != nil {
		log.Warn("incrementing trigger count", "registration_id", reg.ID, "error", err)
	}
	d.markTriggered(reg.ID)
	log.Info("webhook dispatched", "registration_id", reg.ID, "agent_id", agent.ID, "mode", mode, "event", kind)
	return detail, true
}

func (d *Dispatcher) startWorkTask(ctx context.Context, kind EventKind, p *Payload, reg *store.Registration, delivery *store.Delivery, body string) (string, error) {
	task, err := d.worktasks.CreateWorkTask(ctx, WorkTaskRequest{
		ProjectID:   reg.ProjectID,
		AgentID:     reg.AgentID,
		Title:       workTaskTitle(kind, p),
		Description: "GitHub webhook: " + body,
		Source:      "webhook",
		SourceID:    delivery.ID,
		SourceURL:   eventURL(kind, p),
		Prompt:      ComposePrompt(kind, p),
	})
	if err != nil {
		return "", fmt.Errorf("creating work task: %w", err)
	}
	upd := store.DeliveryUpdate{Result: "work_task", WorkTaskID: task.ID, SessionID: task.SessionID}
	if err := d.stores.Deliveries.UpdateDeliveryStatus(ctx, delivery.ID, store.DeliveryCompleted, upd); err != nil {
		trace.Logger(ctx).Warn("completing delivery", "delivery_id", delivery.ID, "error", err)
	}
	return fmt.Sprintf("registration %s: work task %s", reg.ID, task.ID), nil
}

func (d *Dispatcher) startSession(ctx context.Context, kind EventKind, p *Payload, reg *store.Registration, delivery *store.Delivery) (string, error) {
	prompt := ComposePrompt(kind, p)
	name := fmt.Sprintf("webhook-%s-%s", kind, p.Repository.FullName)
	session, err := d.stores.Sessions.CreateSession(ctx, reg.ProjectID, reg.AgentID, name, prompt, "webhook")
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	cancelTrack := process.TrackLifecycle(d.manager, session.ID, d.met)
	if err := d.manager.StartProcess(ctx, session, prompt, process.StartOptions{}); err != nil {
		cancelTrack()
		return "", fmt.Errorf("starting process: %w", err)
	}
	upd := store.DeliveryUpdate{Result: "session", SessionID: session.ID}
	if err := d.stores.Deliveries.UpdateDeliveryStatus(ctx, delivery.ID, store.DeliveryCompleted, upd); err != nil {
		trace.Logger(ctx).Warn("completing delivery", "delivery_id", delivery.ID, "error", err)
	}
	return fmt.Sprintf("registration %s: session %s", reg.ID, session.ID), nil
}

// announceDelivery broadcasts a new delivery record on the bus so
// observers (dashboards, other nodes) see webhook traffic. Best-effort.
func (d *Dispatcher) announceDelivery(ctx context.Context, delivery *store.Delivery) {
	if d.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"delivery_id":     delivery.ID,
		"registration_id": delivery.RegistrationID,
		"event":           delivery.Event,
		"repo":            delivery.Repo,
	})
	if err != nil {
		return
	}
	if err := d.events.Publish(ctx, DeliveryTopic, payload); err != nil {
		trace.Logger(ctx).Warn("announcing delivery", "delivery_id", delivery.ID, "error", err)
	}
}

func (d *Dispatcher) failDelivery(ctx context.Context, id, result string) {
	if err := d.stores.Deliveries.UpdateDeliveryStatus(ctx, id, store.DeliveryFailed, store.DeliveryUpdate{Result: result}); err != nil {
		trace.Logger(ctx).Warn("failing delivery", "delivery_id", id, "error", err)
	}
}

// allowTrigger reports whether the registration may fire now. It does
// not reserve the slot; markTriggered does, after a successful dispatch,
// so a failed dispatch does not burn the interval.
func (d *Dispatcher) allowTrigger(regID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastTrigger[regID]
	return !ok || d.now().Sub(last) >= d.opts.MinTriggerInterval
}

func (d *Dispatcher) markTriggered(regID string) {
	d.mu.Lock()
	d.lastTrigger[regID] = d.now()
	d.mu.Unlock()
}

func workTaskTitle(kind EventKind, p *Payload) string {
	switch kind {
	case KindPRReviewComment:
		if p.PullRequest != nil {
			return fmt.Sprintf("%s#%d: %s", p.Repository.FullName, p.PullRequest.Number, p.PullRequest.Title)
		}
	default:
		if p.Issue != nil {
			return fmt.Sprintf("%s#%d: %s", p.Repository.FullName, p.Issue.Number, p.Issue.Title)
		}
	}
	return p.Repository.FullName
}
