package model

import (
	"time"

	"gorm.io/datatypes"
)

// Template lifecycle statuses.
const (
	TemplateStatusDraft    = "DRAFT"
	TemplateStatusPending  = "PENDING"
	TemplateStatusApproved = "APPROVED"
	TemplateStatusRejected = "REJECTED"
	TemplateStatusDisabled = "DISABLED"
)

// templateTransitions holds the allowed forward edges of the template state
// machine. REJECTED and DISABLED are terminal; a rejected template must be
// recreated under a new name rather than mutated.
var templateTransitions = map[string][]string{
	TemplateStatusDraft:    {TemplateStatusPending},
	TemplateStatusPending:  {TemplateStatusApproved, TemplateStatusRejected},
	TemplateStatusApproved: {TemplateStatusDisabled},
}

// CanTransitionTemplate reports whether a template may move from one status
// to another.
func CanTransitionTemplate(from, to string) bool {
	for _, next := range templateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Template represents a provider message template owned by a tenant.
// (tenant_id, name) is unique regardless of status so a rejected name stays
// "used" and cannot silently shadow a provider-side template.
type Template struct {
	ID                 int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	TemplateID         string         `json:"id" gorm:"column:template_id;uniqueIndex"`
	TenantID           string         `json:"tenant_id" gorm:"column:tenant_id;uniqueIndex:idx_templates_tenant_name"`
	Name               string         `json:"name" gorm:"column:name;uniqueIndex:idx_templates_tenant_name"`
	Language           string         `json:"language" gorm:"column:language;not null"`
	Category           string         `json:"category,omitempty" gorm:"column:category"`
	Body               string         `json:"body" gorm:"column:body;not null"`
	Header             datatypes.JSON `json:"header,omitempty" gorm:"type:jsonb;column:header"`
	Footer             datatypes.JSON `json:"footer,omitempty" gorm:"type:jsonb;column:footer"`
	Buttons            datatypes.JSON `json:"buttons,omitempty" gorm:"type:jsonb;column:buttons"`
	Status             string         `json:"status" gorm:"column:status;not null;default:'DRAFT'"`
	ProviderTemplateID string         `json:"provider_template_id,omitempty" gorm:"column:provider_template_id;index"`
	RejectionReason    string         `json:"rejection_reason,omitempty" gorm:"column:rejection_reason"`
	ApprovedAt         *time.Time     `json:"approved_at,omitempty" gorm:"column:approved_at"`
	CreatedAt          time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Template) TableName() string {
	return "templates"
}
