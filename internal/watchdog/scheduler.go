// Package watchdog implements the Watchdog Scheduler: a fixed-cadence
// cron sweep over open conversations that closes expired windows and
// acts on inactivity (warnings, reminders, transfers, closes, and
// fallback-flow escalation).
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wacore-labs/runtime/internal/clock"
	"github.com/wacore-labs/runtime/internal/flow"
	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/repositories"
)

// WindowCloser is the Window Engine capability the sweep depends on.
type WindowCloser interface {
	CloseExpired(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

// Transferrer moves a conversation into a department's human queue and
// reports which queue it landed on — the watchdog's "transfer" action.
type Transferrer interface {
	Transfer(ctx context.Context, conversationID uuid.UUID, department string) (uuid.UUID, error)
}

// FlowStarter restarts a conversation on a different flow from its
// start node — the watchdog's "fallback_flow" action.
type FlowStarter interface {
	Start(ctx context.Context, conv *models.Conversation, flowID uuid.UUID) error
}

// inactivityPolicy is the wire shape of models.Flow.InactivitySettings.
// Enabled is a pointer so an absent field defaults to "on" instead of
// JSON's false zero value.
type inactivityPolicy struct {
	Enabled              *bool  `json:"enabled"`
	TimeoutMinutes       int    `json:"timeout_minutes"`
	SendWarningAtMinutes int    `json:"send_warning_at_minutes"`
	WarningMessage       string `json:"warning_message"`
	ClosingMessage       string `json:"closing_message"`
	Action               string `json:"action"`
	FallbackFlowID       string `json:"fallback_flow_id"`
	Department           string `json:"department"`
}

// inactivitySettings is the resolved policy used for one sweep
// decision: global defaults overlaid by the active flow's
// inactivityPolicy.
type inactivitySettings struct {
	Enabled              bool
	TimeoutMinutes       int
	SendWarningAtMinutes int
	WarningMessage       string
	ClosingMessage       string
	Action               string
	FallbackFlowID       string
	Department           string
}

type windowExpirySettings struct {
	Message string `json:"message"`
}

type Scheduler struct {
	conversations repositories.ConversationRepo
	flows         repositories.FlowRepo
	window        WindowCloser
	sender        flow.Sender
	handoff       Transferrer
	flowStarter   FlowStarter
	clock         clock.Clock

	defaultInactivity time.Duration
	batchSize         int

	cron *cron.Cron
	mu   sync.Mutex
}

func NewScheduler(
	conversations repositories.ConversationRepo,
	flows repositories.FlowRepo,
	window WindowCloser,
	sender flow.Sender,
	handoff Transferrer,
	flowStarter FlowStarter,
	clk clock.Clock,
	defaultInactivity time.Duration,
) *Scheduler {
	return &Scheduler{
		conversations:     conversations,
		flows:             flows,
		window:            window,
		sender:            sender,
		handoff:           handoff,
		flowStarter:       flowStarter,
		clock:             clk,
		defaultInactivity: defaultInactivity,
		batchSize:         200,
		cron:              cron.New(cron.WithSeconds()),
	}
}

// Start schedules the fixed sweep at the given interval (5 minutes by
// default) and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expr := fmt.Sprintf("@every %s", interval)
	_, err := s.cron.AddFunc(expr, func() { s.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("schedule watchdog sweep: %w", err)
	}

	log.Printf("⏰ watchdog scheduler starting, sweeping every %s", interval)
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	log.Println("⏰ stopping watchdog scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweep walks every open conversation once. Each conversation's
// decision is independent and idempotent, so two overlapping sweeps
// (e.g. a slow previous run still finishing) never double-act:
// CloseExpired is a no-op on an already-closed window, and the
// inactivity actions use LastInactivityWarningAt/LastInactivityNudgeAt
// as their own guards.
func (s *Scheduler) sweep(ctx context.Context) {
	var cursor uuid.UUID
	total := 0
	for {
		convs, err := s.conversations.ListOpenForSweep(ctx, s.batchSize, cursor)
		if err != nil {
			log.Printf("⚠️ watchdog sweep: list conversations: %v", err)
			return
		}
		if len(convs) == 0 {
			break
		}

		for i := range convs {
			s.sweepOne(ctx, &convs[i])
		}

		cursor = convs[len(convs)-1].ID
		total += len(convs)
		if len(convs) < s.batchSize {
			break
		}
	}
	log.Printf("✅ watchdog sweep complete: %d conversations examined", total)
}

func (s *Scheduler) sweepOne(ctx context.Context, conv *models.Conversation) {
	transitioned, err := s.window.CloseExpired(ctx, conv.ID)
	if err != nil {
		log.Printf("⚠️ watchdog: close expired window for %s: %v", conv.ID, err)
		return
	}
	if transitioned {
		s.notifyWindowExpired(ctx, conv)
	}

	s.evaluateInactivity(ctx, conv)
}

func (s *Scheduler) notifyWindowExpired(ctx context.Context, conv *models.Conversation) {
	message := ""
	if conv.CurrentFlowID != nil {
		if f, err := s.flows.GetFlow(ctx, conv.OrganizationID, *conv.CurrentFlowID); err == nil && len(f.WindowExpirySettings) > 0 {
			var cfg windowExpirySettings
			if err := json.Unmarshal(f.WindowExpirySettings, &cfg); err == nil {
				message = cfg.Message
			}
		}
	}
	if message == "" {
		return
	}
	if err := s.sender.Enqueue(ctx, conv.ID, message); err != nil {
		log.Printf("⚠️ watchdog: enqueue window-expiry notice for %s: %v", conv.ID, err)
	}
}

// evaluateInactivity runs the inactivity sweep for one conversation:
// compute how long it has been idle, send the one-shot pre-timeout
// warning once the warning threshold is crossed, then — once the
// timeout itself is crossed — dispatch the flow's configured action
// exactly once per inactivity cycle. The cycle resets the moment a new
// inbound message moves LastUserMessageAt forward.
func (s *Scheduler) evaluateInactivity(ctx context.Context, conv *models.Conversation) {
	if !conv.IsBotActive {
		return
	}
	if conv.State != models.ConversationRunning && conv.State != models.ConversationAwaitingUser {
		return
	}
	if conv.LastUserMessageAt == nil {
		return
	}

	settings := s.loadInactivitySettings(ctx, conv)
	if !settings.Enabled {
		return
	}

	inactive := s.clock.Now().Sub(*conv.LastUserMessageAt)
	inactiveMinutes := inactive.Minutes()
	scope := inactivityScope(settings, inactiveMinutes)

	if settings.SendWarningAtMinutes > 0 && inactiveMinutes >= float64(settings.SendWarningAtMinutes) {
		s.maybeSendWarning(ctx, conv, settings, scope)
	}

	if settings.TimeoutMinutes > 0 && inactiveMinutes >= float64(settings.TimeoutMinutes) {
		s.maybeExecuteTimeoutAction(ctx, conv, settings, scope)
	}
}

func (s *Scheduler) loadInactivitySettings(ctx context.Context, conv *models.Conversation) inactivitySettings {
	settings := inactivitySettings{
		Enabled:        true,
		TimeoutMinutes: int(s.defaultInactivity.Minutes()),
		Action:         "send_reminder",
	}
	if conv.CurrentFlowID == nil {
		return settings
	}
	f, err := s.flows.GetFlow(ctx, conv.OrganizationID, *conv.CurrentFlowID)
	if err != nil || len(f.InactivitySettings) == 0 {
		return settings
	}

	var policy inactivityPolicy
	if err := json.Unmarshal(f.InactivitySettings, &policy); err != nil {
		log.Printf("⚠️ watchdog: flow %s has malformed inactivity_settings: %v", f.ID, err)
		return settings
	}

	if policy.Enabled != nil {
		settings.Enabled = *policy.Enabled
	}
	if policy.TimeoutMinutes > 0 {
		settings.TimeoutMinutes = policy.TimeoutMinutes
	}
	settings.SendWarningAtMinutes = policy.SendWarningAtMinutes
	settings.WarningMessage = policy.WarningMessage
	settings.ClosingMessage = policy.ClosingMessage
	if policy.Action != "" {
		settings.Action = policy.Action
	}
	settings.FallbackFlowID = policy.FallbackFlowID
	if settings.FallbackFlowID == "" && f.FallbackFlowID != nil {
		settings.FallbackFlowID = f.FallbackFlowID.String()
	}
	settings.Department = policy.Department
	if settings.Department == "" {
		settings.Department = conv.Department
	}
	return settings
}

// inactivityScope builds the four template variables every watchdog
// message may reference.
func inactivityScope(settings inactivitySettings, inactiveMinutes float64) map[string]interface{} {
	remaining := float64(settings.TimeoutMinutes) - inactiveMinutes
	if remaining < 0 {
		remaining = 0
	}
	return map[string]interface{}{
		"timeout_minutes":    settings.TimeoutMinutes,
		"warning_at_minutes": settings.SendWarningAtMinutes,
		"inactive_minutes":   int(inactiveMinutes),
		"remaining_minutes":  int(remaining),
	}
}

func (s *Scheduler) maybeSendWarning(ctx context.Context, conv *models.Conversation, settings inactivitySettings, scope map[string]interface{}) {
	if conv.LastInactivityWarningAt != nil && conv.LastInactivityWarningAt.After(*conv.LastUserMessageAt) {
		return
	}

	message := settings.WarningMessage
	if message == "" {
		message = "Still there? This conversation will time out in {{remaining_minutes}} minutes."
	}
	if err := s.sender.Enqueue(ctx, conv.ID, flow.Interpolate(message, scope)); err != nil {
		log.Printf("⚠️ watchdog: enqueue inactivity warning for %s: %v", conv.ID, err)
		return
	}

	now := s.clock.Now()
	conv.LastInactivityWarningAt = &now
	if err := s.conversations.Update(ctx, conv); err != nil {
		log.Printf("⚠️ watchdog: persist warning marker for %s: %v", conv.ID, err)
	}
}

func (s *Scheduler) maybeExecuteTimeoutAction(ctx context.Context, conv *models.Conversation, settings inactivitySettings, scope map[string]interface{}) {
	if conv.LastInactivityNudgeAt != nil && conv.LastInactivityNudgeAt.After(*conv.LastUserMessageAt) {
		return
	}

	switch settings.Action {
	case "transfer":
		s.executeTransfer(ctx, conv, settings, scope)
	case "close":
		s.executeClose(ctx, conv, settings, scope)
	case "fallback_flow":
		s.executeFallbackFlow(ctx, conv, settings)
	case "send_reminder", "":
		s.executeSendReminder(ctx, conv, settings, scope)
	default:
		log.Printf("⚠️ watchdog: conversation %s has unknown inactivity action %q", conv.ID, settings.Action)
		return
	}

	now := s.clock.Now()
	conv.LastInactivityNudgeAt = &now
	if err := s.conversations.Update(ctx, conv); err != nil {
		log.Printf("⚠️ watchdog: persist inactivity-action marker for %s: %v", conv.ID, err)
	}
}

func (s *Scheduler) executeSendReminder(ctx context.Context, conv *models.Conversation, settings inactivitySettings, scope map[string]interface{}) {
	message := settings.ClosingMessage
	if message == "" {
		message = "Are you still there?"
	}
	if err := s.sender.Enqueue(ctx, conv.ID, flow.Interpolate(message, scope)); err != nil {
		log.Printf("⚠️ watchdog: enqueue inactivity reminder for %s: %v", conv.ID, err)
	}
}

func (s *Scheduler) executeClose(ctx context.Context, conv *models.Conversation, settings inactivitySettings, scope map[string]interface{}) {
	message := settings.ClosingMessage
	if message == "" {
		message = "Closing this conversation due to inactivity."
	}
	if err := s.sender.Enqueue(ctx, conv.ID, flow.Interpolate(message, scope)); err != nil {
		log.Printf("⚠️ watchdog: enqueue inactivity close notice for %s: %v", conv.ID, err)
	}
	conv.State = models.ConversationClosed
	conv.IsBotActive = false
}

func (s *Scheduler) executeTransfer(ctx context.Context, conv *models.Conversation, settings inactivitySettings, scope map[string]interface{}) {
	queueID, err := s.handoff.Transfer(ctx, conv.ID, settings.Department)
	if err != nil {
		log.Printf("⚠️ watchdog: transfer conversation %s on inactivity: %v", conv.ID, err)
		return
	}

	message := settings.ClosingMessage
	if message == "" {
		message = "Connecting you with a team member."
	}
	if err := s.sender.Enqueue(ctx, conv.ID, flow.Interpolate(message, scope)); err != nil {
		log.Printf("⚠️ watchdog: enqueue transfer notice for %s: %v", conv.ID, err)
	}

	conv.State = models.ConversationQueued
	conv.IsBotActive = false
	conv.Department = settings.Department
	conv.QueueID = &queueID
}

func (s *Scheduler) executeFallbackFlow(ctx context.Context, conv *models.Conversation, settings inactivitySettings) {
	if settings.FallbackFlowID == "" {
		log.Printf("⚠️ watchdog: conversation %s has action=fallback_flow but no fallback_flow_id configured", conv.ID)
		return
	}
	flowID, err := uuid.Parse(settings.FallbackFlowID)
	if err != nil {
		log.Printf("⚠️ watchdog: conversation %s has invalid fallback_flow_id %q: %v", conv.ID, settings.FallbackFlowID, err)
		return
	}
	if err := s.flowStarter.Start(ctx, conv, flowID); err != nil {
		log.Printf("⚠️ watchdog: start fallback flow %s for conversation %s: %v", flowID, conv.ID, err)
	}
}
