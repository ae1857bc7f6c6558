package db

import (
	"time"

	"github.com/google/uuid"
)

// DispatchStatus is the lifecycle state of an outbound message.
type DispatchStatus string

const (
	DispatchQueued  DispatchStatus = "queued"
	DispatchSending DispatchStatus = "sending"
	DispatchSent    DispatchStatus = "sent"
	DispatchRetry   DispatchStatus = "retry"
	DispatchFailed  DispatchStatus = "failed"
	DispatchDead    DispatchStatus = "dead"
)

// Terminal reports whether no further attempts will ever be made.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchSent || s == DispatchFailed || s == DispatchDead
}

// Valid reports whether s is one of the known lifecycle states.
func (s DispatchStatus) Valid() bool {
	switch s {
	case DispatchQueued, DispatchSending, DispatchSent, DispatchRetry, DispatchFailed, DispatchDead:
		return true
	}
	return false
}

// MessageDispatch is one outbound WhatsApp message tracked through its
// retry lifecycle. Rows are never deleted; history is kept via status.
type MessageDispatch struct {
	ID            uuid.UUID      `json:"id"`
	CompanyID     uuid.UUID      `json:"company_id"`
	InstanceName  string         `json:"instance_name"`
	ToPhoneE164   string         `json:"to_phone_e164"`
	Intent        string         `json:"intent"`
	Content       string         `json:"content"`
	Status        DispatchStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ErrorCode     *string        `json:"error_code,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PolicyScope is the granularity at which a RateLimitPolicy applies.
type PolicyScope string

const (
	ScopeGlobal   PolicyScope = "global"
	ScopeInstance PolicyScope = "instance"
	ScopeCompany  PolicyScope = "company"
	ScopeContact  PolicyScope = "contact"
)

// RateLimitPolicy governs pacing for one scope. Policy sets are replaced
// copy-on-write: the old set is deactivated and a new one inserted in a
// single transaction, never mutated in place.
type RateLimitPolicy struct {
	ID           uuid.UUID   `json:"id"`
	Scope        PolicyScope `json:"scope"`
	InstanceName *string     `json:"instance_name,omitempty"`
	CompanyID    *uuid.UUID  `json:"company_id,omitempty"`
	MaxPerMinute int         `json:"max_per_minute"`
	MinDelayMs   int         `json:"min_delay_ms"`
	MaxDelayMs   int         `json:"max_delay_ms"`
	Burst        int         `json:"burst"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ScopeKey identifies the shared rate-limit counter this policy governs.
// All workers pacing the same scope must converge on the same key.
func (p *RateLimitPolicy) ScopeKey() string {
	switch p.Scope {
	case ScopeInstance:
		if p.InstanceName != nil {
			return "instance:" + *p.InstanceName
		}
	case ScopeCompany, ScopeContact:
		if p.CompanyID != nil {
			return string(p.Scope) + ":" + p.CompanyID.String()
		}
	}
	return "global"
}

// Sync status labels recorded on DfeSyncState.UltimoStatus.
const (
	SyncStatusPending  = "pending"
	SyncStatusSuccess  = "success"
	SyncStatusFailed   = "failed"
	SyncStatusCooldown = "cooldown"
)

// DfeSyncState is the singleton per-company record of invoice-sync
// progress. Mutated only by the sync job runner.
type DfeSyncState struct {
	CompanyID       uuid.UUID  `json:"company_id"`
	UltimoSyncAt    *time.Time `json:"ultimo_sync_at,omitempty"`
	UltimoSucessoAt *time.Time `json:"ultimo_sucesso_at,omitempty"`
	UltimoStatus    string     `json:"ultimo_status"`
	UltNSU          int64      `json:"ult_nsu"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobRunStatus is the lifecycle state of a sync execution record.
type JobRunStatus string

const (
	JobRunRunning JobRunStatus = "running"
	JobRunSuccess JobRunStatus = "success"
	JobRunFailed  JobRunStatus = "failed"
)

// JobRun is one append-only sync execution record.
type JobRun struct {
	ID        uuid.UUID    `json:"id"`
	JobName   string       `json:"job_name"`
	CompanyID *uuid.UUID   `json:"company_id,omitempty"`
	Status    JobRunStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Error     *string      `json:"error,omitempty"`
	Batches   int          `json:"batches"`
	Docs      int          `json:"docs"`
}

// Company service types; only fiscal tenants are sync-eligible.
const (
	ServiceTypeFiscal    = "fiscal_whatsapp"
	ServiceTypeBroadcast = "broadcast_only"
)

// Certificate status labels.
const (
	CertificateActive  = "active"
	CertificateExpired = "expired"
	CertificateMissing = "missing"
)

// Company is the read model the scheduler consumes. Ownership of the
// full company record belongs to the surrounding application.
type Company struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	ServiceType         string    `json:"service_type"`
	CertificateStatus   string    `json:"certificate_status"`
	SyncIntervalSeconds int       `json:"sync_interval_seconds"`
}

// QueueStats is the dispatch-queue depth per lifecycle state.
type QueueStats struct {
	Queued  int `json:"queued"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Retry   int `json:"retry"`
	Failed  int `json:"failed"`
	Dead    int `json:"dead"`
}
