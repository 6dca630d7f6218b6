package api

import (
	"context"
	"time"

	"github.com/ringbase/ringbase/internal/database/models"
)

// TrunkStatusEntry is a snapshot of a trunk's live registration state, as
// surfaced by the SIP trunk registrar.
type TrunkStatusEntry struct {
	TrunkID        int64
	Name           string
	Type           string
	Status         string
	LastError      string
	RetryAttempt   int
	FailedAt       *time.Time
	RegisteredAt   *time.Time
	ExpiresAt      *time.Time
	LastOptionsAt  *time.Time
	OptionsHealthy bool
}

// TrunkStatusProvider lets the API query live trunk registration state
// without importing the SIP package directly.
type TrunkStatusProvider interface {
	GetTrunkStatus(trunkID int64) (TrunkStatusEntry, bool)
	GetAllTrunkStatuses() []TrunkStatusEntry
}

// TrunkTester triggers one-shot SIP connectivity checks against a trunk.
type TrunkTester interface {
	TestRegister(ctx context.Context, trunk models.Trunk) error
	SendOptions(ctx context.Context, trunk models.Trunk) error
}

// TrunkLifecycleManager starts or stops a trunk's registration/health-check
// loop in response to create/update/delete/enable/disable operations.
type TrunkLifecycleManager interface {
	StartTrunk(ctx context.Context, trunk models.Trunk) error
	StopTrunk(trunkID int64)
}

// ActiveCallEntry is a snapshot of one in-progress call (ringing or
// answered), as surfaced by the SIP dialog and pending-call managers.
type ActiveCallEntry struct {
	CallID       string
	State        string
	Direction    string
	CallerIDName string
	CallerIDNum  string
	CalledNum    string
	StartTime    time.Time
	AnswerTime   *time.Time
	DurationSec  int
}

// ActiveCallsProvider lets the API query live call state for dashboards and
// the system status endpoint.
type ActiveCallsProvider interface {
	GetActiveCalls() []ActiveCallEntry
	GetActiveCallCount() int
}

// ConfigReloader hot-reloads trunk registration (and other SIP-side
// configuration) after an admin edit, without a process restart.
type ConfigReloader interface {
	Reload(ctx context.Context) error
}

// SIPLogVerbositySetter controls the SIP message tracer's verbosity level
// at runtime.
type SIPLogVerbositySetter interface {
	SetSIPLogVerbosity(level string)
}
