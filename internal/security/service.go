/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package security implements rate limiting, suspicious-activity detection,
// alerting and explicit user blocks.
package security

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/tenancy"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// ThreatType classifies a security event
type ThreatType string

const (
	ThreatRateLimitExceeded  ThreatType = "RATE_LIMIT_EXCEEDED"
	ThreatSuspiciousActivity ThreatType = "SUSPICIOUS_ACTIVITY"
	ThreatCrossTenantAccess  ThreatType = "CROSS_TENANT_ACCESS"
	ThreatInvalidSignature   ThreatType = "INVALID_SIGNATURE"
	ThreatAuthFailure        ThreatType = "AUTHENTICATION_FAILURE"
)

// Severity orders events and alerts
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// MarshalText encodes the severity by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(v string) (Severity, bool) {
	switch strings.ToUpper(v) {
	case "LOW":
		return SeverityLow, true
	case "MEDIUM":
		return SeverityMedium, true
	case "HIGH":
		return SeverityHigh, true
	case "CRITICAL":
		return SeverityCritical, true
	}
	return 0, false
}

// Suspicious-activity patterns
const (
	PatternMultiTenant    = "multi_tenant_access"
	PatternExcessiveError = "excessive_errors"
	PatternMassCreation   = "mass_creation"
)

const (
	multiTenantThreshold = 3
	errorThreshold       = 10
	creationThreshold    = 50
	alertThreshold       = 3
	maxEvents            = 10000
	defaultAlertCapacity = 1000
)

// ActivityKind is the class of a recorded activity
type ActivityKind string

const (
	ActivityAccess ActivityKind = "access"
	ActivityError  ActivityKind = "error"
	ActivityCreate ActivityKind = "create"
)

// Activity is one observed action by a principal
type Activity struct {
	Principal string       `json:"principal"`
	TenantID  string       `json:"tenant_id,omitempty"`
	AgentID   string       `json:"agent_id,omitempty"`
	Endpoint  string       `json:"endpoint,omitempty"`
	Kind      ActivityKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
}

// Event is a detected security occurrence
type Event struct {
	ID          string                 `json:"id"`
	ThreatType  ThreatType             `json:"threat_type"`
	Severity    Severity               `json:"severity"`
	Principal   string                 `json:"principal"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	Description string                 `json:"description"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Resolved    bool                   `json:"resolved"`
}

// Alert is derived from one or more events
type Alert struct {
	ID         string     `json:"id"`
	Severity   Severity   `json:"severity"`
	Principal  string     `json:"principal"`
	Title      string     `json:"title"`
	EventIDs   []string   `json:"event_ids"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	aggregate bool
}

// RateKey is the composite rate-limit key. Empty parts are wildcards.
type RateKey struct {
	User     string
	Tenant   string
	Agent    string
	Endpoint string
}

func (k RateKey) String() string {
	return strings.Join([]string{k.User, k.Tenant, k.Agent, k.Endpoint}, "|")
}

// EventFilter selects events
type EventFilter struct {
	Principal   string
	ThreatType  ThreatType
	MinSeverity Severity
	Since       *time.Time
	Limit       int
}

func (f EventFilter) matches(e *Event) bool {
	if f.Principal != "" && e.Principal != f.Principal {
		return false
	}
	if f.ThreatType != "" && e.ThreatType != f.ThreatType {
		return false
	}
	if e.Severity < f.MinSeverity {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

type userBlock struct {
	Reason string
	Since  time.Time
}

// Option configures a Service
type Option func(*Service)

// WithWindowStore replaces the in-memory window store
func WithWindowStore(store WindowStore) Option {
	return func(s *Service) { s.store = store }
}

// WithMetrics records rate-limit decisions
func WithMetrics(m metrics.MetricsProvider) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the security monitor
type Service struct {
	cfg     config.SecurityConfig
	store   WindowStore
	logger  *logging.Logger
	metrics metrics.MetricsProvider
	now     func() time.Time

	mu       sync.Mutex
	activity map[string][]Activity
	flagged  map[string]time.Time
	events   []*Event
	alerts   []*Alert
	blocked  map[string]userBlock
}

// NewService creates a security monitor
func NewService(cfg config.SecurityConfig, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger.WithComponent("security"),
		metrics:  metrics.NoopMetrics{},
		now:      time.Now,
		activity: make(map[string][]Activity),
		flagged:  make(map[string]time.Time),
		blocked:  make(map[string]userBlock),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryWindowStore()
	}
	if s.cfg.RateLimit <= 0 {
		s.cfg.RateLimit = 60
	}
	if s.cfg.Window <= 0 {
		s.cfg.Window = time.Minute
	}
	if s.cfg.BlockDuration <= 0 {
		s.cfg.BlockDuration = 5 * time.Minute
	}
	if s.cfg.ActivityWindow <= 0 {
		s.cfg.ActivityWindow = 10 * time.Minute
	}
	if s.cfg.AlertCapacity <= 0 {
		s.cfg.AlertCapacity = defaultAlertCapacity
	}
	return s
}

// CheckRateLimit counts a request against key. It returns a
// RATE_LIMIT_EXCEEDED error when the key is over its limit or still in its
// cool-down.
func (s *Service) CheckRateLimit(ctx context.Context, key RateKey) error {
	now := s.now()
	k := key.String()

	until, err := s.store.BlockedUntil(ctx, k)
	if err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrServiceUnavailable, "rate limiter unavailable", err)
	}
	if now.Before(until) {
		s.metrics.RecordRateLimit("principal", false)
		return rateLimitError(key, until.Sub(now))
	}

	count, err := s.store.Add(ctx, k, now, s.cfg.Window)
	if err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrServiceUnavailable, "rate limiter unavailable", err)
	}
	if count <= s.cfg.RateLimit {
		s.metrics.RecordRateLimit("principal", true)
		return nil
	}

	until = now.Add(s.cfg.BlockDuration)
	if err := s.store.Block(ctx, k, until); err != nil {
		s.logger.Error("Failed to store rate limit block", err)
	}
	s.metrics.RecordRateLimit("principal", false)
	s.emit(&Event{
		ThreatType:  ThreatRateLimitExceeded,
		Severity:    SeverityHigh,
		Principal:   key.User,
		TenantID:    key.Tenant,
		Description: "rate limit exceeded",
		Evidence: map[string]interface{}{
			"key":            k,
			"requests":       count,
			"limit":          s.cfg.RateLimit,
			"window_seconds": s.cfg.Window.Seconds(),
			"blocked_until":  until,
		},
		Timestamp: now,
	})
	return rateLimitError(key, s.cfg.BlockDuration)
}

func rateLimitError(key RateKey, retryAfter time.Duration) error {
	return a2aerrors.Newf(a2aerrors.ErrRateLimitExceeded, "rate limit exceeded for %s", key.User).
		WithDetail("retry_after_seconds", int(retryAfter.Seconds()))
}

// ResetRateLimit clears the window and any cool-down for key
func (s *Service) ResetRateLimit(ctx context.Context, key RateKey) error {
	return s.store.Reset(ctx, key.String())
}

// RecordActivity appends an activity and runs pattern detection for its
// principal.
func (s *Service) RecordActivity(a Activity) {
	if a.Principal == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}

	s.mu.Lock()
	history := prune(append(s.activity[a.Principal], a), a.Timestamp.Add(-s.cfg.ActivityWindow))
	s.activity[a.Principal] = history
	findings := s.detect(a.Principal, history, a.Timestamp)
	s.mu.Unlock()

	for _, e := range findings {
		s.emit(e)
	}
}

func prune(history []Activity, cutoff time.Time) []Activity {
	i := 0
	for i < len(history) && history[i].Timestamp.Before(cutoff) {
		i++
	}
	return history[i:]
}

// detect must be called with s.mu held
func (s *Service) detect(principal string, history []Activity, now time.Time) []*Event {
	tenants := make(map[string]struct{})
	errs, creates := 0, 0
	for _, a := range history {
		if a.TenantID != "" {
			tenants[a.TenantID] = struct{}{}
		}
		switch a.Kind {
		case ActivityError:
			errs++
		case ActivityCreate:
			creates++
		}
	}

	var out []*Event
	flag := func(pattern string, severity Severity, description string, evidence map[string]interface{}) {
		key := principal + "|" + pattern
		if last, ok := s.flagged[key]; ok && now.Sub(last) < s.cfg.ActivityWindow {
			return
		}
		s.flagged[key] = now
		evidence["pattern"] = pattern
		out = append(out, &Event{
			ThreatType:  ThreatSuspiciousActivity,
			Severity:    severity,
			Principal:   principal,
			Description: description,
			Evidence:    evidence,
			Timestamp:   now,
		})
	}

	if len(tenants) > multiTenantThreshold {
		names := make([]string, 0, len(tenants))
		for t := range tenants {
			names = append(names, t)
		}
		sort.Strings(names)
		flag(PatternMultiTenant, SeverityHigh, "access to many tenants", map[string]interface{}{"tenants": names})
	}
	if errs > errorThreshold {
		flag(PatternExcessiveError, SeverityMedium, "excessive errors", map[string]interface{}{"errors": errs})
	}
	if creates > creationThreshold {
		flag(PatternMassCreation, SeverityMedium, "mass resource creation", map[string]interface{}{"creates": creates})
	}
	return out
}

// ObserveAccess feeds a tenancy decision into activity tracking. Cross-tenant
// denials are raised as events on their own.
func (s *Service) ObserveAccess(attempt types.AccessAttempt) {
	kind := ActivityAccess
	if !attempt.Allowed {
		kind = ActivityError
	}
	s.RecordActivity(Activity{
		Principal: attempt.Principal,
		TenantID:  attempt.RequestedTenant,
		AgentID:   attempt.TargetAgent,
		Endpoint:  attempt.Operation,
		Kind:      kind,
		Timestamp: attempt.Timestamp,
	})

	if !attempt.Allowed && attempt.Reason == tenancy.ReasonCrossTenant {
		s.Report(ThreatCrossTenantAccess, SeverityHigh, attempt.Principal, attempt.RequestedTenant,
			"cross-tenant access attempt", map[string]interface{}{
				"principal_tenant": attempt.PrincipalTenant,
				"requested_tenant": attempt.RequestedTenant,
				"operation":        attempt.Operation,
			})
	}
}

// Report records an externally detected event
func (s *Service) Report(threat ThreatType, severity Severity, principal, tenant, description string, evidence map[string]interface{}) Event {
	e := &Event{
		ThreatType:  threat,
		Severity:    severity,
		Principal:   principal,
		TenantID:    tenant,
		Description: description,
		Evidence:    evidence,
		Timestamp:   s.now(),
	}
	s.emit(e)
	return *e
}

func (s *Service) emit(e *Event) {
	e.ID = uuid.NewString()

	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	alert := s.evaluate(e)
	s.mu.Unlock()

	logger := s.logger.WithFields(map[string]interface{}{
		"event_id":    e.ID,
		"threat_type": e.ThreatType,
		"severity":    e.Severity.String(),
		"principal":   e.Principal,
	})
	logger.Warn(e.Description)
	if alert != nil {
		logger.WithField("alert_id", alert.ID).Error("Security alert raised", nil)
	}
}

// evaluate must be called with s.mu held
func (s *Service) evaluate(e *Event) *Alert {
	if e.Severity == SeverityCritical {
		return s.raise(e.Severity, e.Principal, string(e.ThreatType)+": "+e.Description, []string{e.ID}, e.Timestamp)
	}
	if e.Severity < SeverityHigh {
		return nil
	}

	cutoff := e.Timestamp.Add(-s.cfg.ActivityWindow)
	for _, a := range s.alerts {
		if !a.Resolved && a.aggregate && a.Principal == e.Principal && !a.Timestamp.Before(cutoff) {
			a.EventIDs = append(a.EventIDs, e.ID)
			return nil
		}
	}

	var ids []string
	for _, ev := range s.events {
		if ev.Principal == e.Principal && ev.Severity >= SeverityHigh && !ev.Timestamp.Before(cutoff) {
			ids = append(ids, ev.ID)
		}
	}
	if len(ids) < alertThreshold {
		return nil
	}
	a := s.raise(SeverityHigh, e.Principal, "repeated high severity events", ids, e.Timestamp)
	a.aggregate = true
	return a
}

func (s *Service) raise(severity Severity, principal, title string, eventIDs []string, at time.Time) *Alert {
	a := &Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Principal: principal,
		Title:     title,
		EventIDs:  eventIDs,
		Timestamp: at,
	}
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > s.cfg.AlertCapacity {
		s.evictAlert()
	}
	return a
}

// evictAlert drops the oldest resolved alert, or the oldest alert when all
// are open. It must be called with s.mu held.
func (s *Service) evictAlert() {
	victim := 0
	for i, a := range s.alerts {
		if a.Resolved {
			victim = i
			break
		}
	}
	s.alerts = append(s.alerts[:victim], s.alerts[victim+1:]...)
}

// Events returns matching events, newest first
func (s *Service) Events(filter EventFilter) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if !filter.matches(s.events[i]) {
			continue
		}
		out = append(out, *s.events[i])
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Alerts returns alerts newest first
func (s *Service) Alerts(unresolvedOnly bool) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if unresolvedOnly && a.Resolved {
			continue
		}
		cp := *a
		cp.EventIDs = append([]string(nil), a.EventIDs...)
		out = append(out, cp)
	}
	return out
}

// ResolveAlert marks an alert and its events resolved
func (s *Service) ResolveAlert(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alerts {
		if a.ID != id {
			continue
		}
		if a.Resolved {
			return nil
		}
		now := s.now()
		a.Resolved = true
		a.ResolvedAt = &now

		ids := make(map[string]struct{}, len(a.EventIDs))
		for _, eid := range a.EventIDs {
			ids[eid] = struct{}{}
		}
		for _, e := range s.events {
			if _, ok := ids[e.ID]; ok {
				e.Resolved = true
			}
		}
		return nil
	}
	return a2aerrors.NewNotFoundError("alert " + id)
}

// BlockUser denies the principal until UnblockUser is called
func (s *Service) BlockUser(principal, reason string) {
	s.mu.Lock()
	s.blocked[principal] = userBlock{Reason: reason, Since: s.now()}
	s.mu.Unlock()
	s.logger.WithFields(map[string]interface{}{
		"principal": principal,
		"reason":    reason,
	}).Warn("User blocked")
}

// UnblockUser lifts a BlockUser
func (s *Service) UnblockUser(principal string) {
	s.mu.Lock()
	delete(s.blocked, principal)
	s.mu.Unlock()
	s.logger.WithField("principal", principal).Info("User unblocked")
}

// IsUserBlocked reports an explicit block
func (s *Service) IsUserBlocked(principal string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocked[principal]
	return ok
}

// BlockedUsers lists explicitly blocked principals
func (s *Service) BlockedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blocked))
	for p := range s.blocked {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Cleanup drops activity and pattern flags older than the activity window
// and returns the number of principals whose history was emptied.
func (s *Service) Cleanup() int {
	now := s.now()
	cutoff := now.Add(-s.cfg.ActivityWindow)

	s.mu.Lock()
	removed := 0
	for p, history := range s.activity {
		history = prune(history, cutoff)
		if len(history) == 0 {
			delete(s.activity, p)
			removed++
			continue
		}
		s.activity[p] = history
	}
	for k, t := range s.flagged {
		if t.Before(cutoff) {
			delete(s.flagged, k)
		}
	}
	s.mu.Unlock()

	if mem, ok := s.store.(*MemoryWindowStore); ok {
		mem.Prune(now.Add(-s.cfg.Window))
	}
	return removed
}

// Stats summarizes monitor state
type Stats struct {
	Events           int            `json:"events"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	Alerts           int            `json:"alerts"`
	UnresolvedAlerts int            `json:"unresolved_alerts"`
	BlockedUsers     int            `json:"blocked_users"`
	TrackedUsers     int            `json:"tracked_users"`
}

// Stats returns monitor counters
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Events:           len(s.events),
		EventsBySeverity: make(map[string]int),
		Alerts:           len(s.alerts),
		BlockedUsers:     len(s.blocked),
		TrackedUsers:     len(s.activity),
	}
	for _, e := range s.events {
		st.EventsBySeverity[e.Severity.String()]++
	}
	for _, a := range s.alerts {
		if !a.Resolved {
			st.UnresolvedAlerts++
		}
	}
	return st
}

// Close releases the window store
func (s *Service) Close() error {
	return s.store.Close()
}
