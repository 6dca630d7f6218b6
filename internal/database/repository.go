package database

import (
	"context"

	"github.com/ringbase/ringbase/internal/database/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// AdminUserRepository manages admin panel users.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByID(ctx context.Context, id int64) (*models.AdminUser, error)
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	List(ctx context.Context) ([]models.AdminUser, error)
	Update(ctx context.Context, user *models.AdminUser) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// ExtensionRepository manages PBX extensions/users.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByID(ctx context.Context, id int64) (*models.Extension, error)
	GetByExtension(ctx context.Context, ext string) (*models.Extension, error)
	GetBySIPUsername(ctx context.Context, username string) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	Update(ctx context.Context, ext *models.Extension) error
	Delete(ctx context.Context, id int64) error
}

// TrunkRepository manages SIP trunks.
type TrunkRepository interface {
	Create(ctx context.Context, trunk *models.Trunk) error
	GetByID(ctx context.Context, id int64) (*models.Trunk, error)
	List(ctx context.Context) ([]models.Trunk, error)
	ListEnabled(ctx context.Context) ([]models.Trunk, error)
	Update(ctx context.Context, trunk *models.Trunk) error
	Delete(ctx context.Context, id int64) error
}

// InboundNumberRepository manages DID/inbound number mappings.
type InboundNumberRepository interface {
	Create(ctx context.Context, num *models.InboundNumber) error
	GetByID(ctx context.Context, id int64) (*models.InboundNumber, error)
	GetByNumber(ctx context.Context, number string) (*models.InboundNumber, error)
	List(ctx context.Context) ([]models.InboundNumber, error)
	Update(ctx context.Context, num *models.InboundNumber) error
	Delete(ctx context.Context, id int64) error
}

// RingGroupRepository manages ring groups.
type RingGroupRepository interface {
	Create(ctx context.Context, rg *models.RingGroup) error
	GetByID(ctx context.Context, id int64) (*models.RingGroup, error)
	List(ctx context.Context) ([]models.RingGroup, error)
	Update(ctx context.Context, rg *models.RingGroup) error
	Delete(ctx context.Context, id int64) error
}

// IVRMenuRepository manages IVR menus.
type IVRMenuRepository interface {
	Create(ctx context.Context, ivr *models.IVRMenu) error
	GetByID(ctx context.Context, id int64) (*models.IVRMenu, error)
	List(ctx context.Context) ([]models.IVRMenu, error)
	Update(ctx context.Context, ivr *models.IVRMenu) error
	Delete(ctx context.Context, id int64) error
}

// TimeSwitchRepository manages time switch rules.
type TimeSwitchRepository interface {
	Create(ctx context.Context, ts *models.TimeSwitch) error
	GetByID(ctx context.Context, id int64) (*models.TimeSwitch, error)
	List(ctx context.Context) ([]models.TimeSwitch, error)
	Update(ctx context.Context, ts *models.TimeSwitch) error
	Delete(ctx context.Context, id int64) error
}

// CallFlowRepository manages call flow graphs.
type CallFlowRepository interface {
	Create(ctx context.Context, flow *models.CallFlow) error
	GetByID(ctx context.Context, id int64) (*models.CallFlow, error)
	GetPublished(ctx context.Context, id int64) (*models.CallFlow, error)
	List(ctx context.Context) ([]models.CallFlow, error)
	Update(ctx context.Context, flow *models.CallFlow) error
	Publish(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// CDRListFilter specifies filtering and pagination for CDR list queries.
type CDRListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches caller_id_name, caller_id_num, or callee
	Direction string // "inbound", "outbound", "internal", or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByID(ctx context.Context, id int64) (*models.CDR, error)
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	Update(ctx context.Context, cdr *models.CDR) error
	List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CDR, error)
	ListWithRecordings(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
}

// RegistrationRepository manages active SIP registrations.
type RegistrationRepository interface {
	Create(ctx context.Context, reg *models.Registration) error
	GetByExtensionID(ctx context.Context, extensionID int64) ([]models.Registration, error)
	DeleteByID(ctx context.Context, id int64) error
	DeleteExpired(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	DeleteByExtensionAndContact(ctx context.Context, extensionID int64, contactURI string) error
	CountByExtensionID(ctx context.Context, extensionID int64) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// AudioPromptRepository manages custom audio prompts.
type AudioPromptRepository interface {
	Create(ctx context.Context, prompt *models.AudioPrompt) error
	GetByID(ctx context.Context, id int64) (*models.AudioPrompt, error)
	List(ctx context.Context) ([]models.AudioPrompt, error)
	Delete(ctx context.Context, id int64) error
}

// QueueRepository manages call-queue configuration rows.
type QueueRepository interface {
	Create(ctx context.Context, q *models.Queue) error
	GetByName(ctx context.Context, name string) (*models.Queue, error)
	GetByID(ctx context.Context, id int64) (*models.Queue, error)
	List(ctx context.Context) ([]models.Queue, error)
	Update(ctx context.Context, q *models.Queue) error
	Delete(ctx context.Context, name string) error
}

// QueueStaticMemberRepository manages statically configured queue members.
type QueueStaticMemberRepository interface {
	Create(ctx context.Context, m *models.QueueStaticMember) error
	ListByQueue(ctx context.Context, queueName string) ([]models.QueueStaticMember, error)
	Delete(ctx context.Context, queueName, iface string) error
}

// QueueRuleRepository manages penalty rule sets and their steps.
type QueueRuleRepository interface {
	CreateSet(ctx context.Context, rs *models.QueueRuleSet) error
	GetSetByName(ctx context.Context, name string) (*models.QueueRuleSet, error)
	ListSets(ctx context.Context) ([]models.QueueRuleSet, error)
	AddStep(ctx context.Context, step *models.QueueRuleStep) error
	ListSteps(ctx context.Context, ruleSetID int64) ([]models.QueueRuleStep, error)
	DeleteSet(ctx context.Context, name string) error
}

// KVRepository is the generic family/key blob store backing
// acdqueue.KVStore (dynamic-member dumps and similar persisted state).
type KVRepository interface {
	Put(ctx context.Context, family, key, value string) error
	Get(ctx context.Context, family, key string) (string, bool, error)
	Delete(ctx context.Context, family, key string) error
}
