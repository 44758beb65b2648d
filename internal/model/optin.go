package model

import "time"

// Consent channels. Only WhatsApp is dispatched by this service today, but
// consent signals arrive for other channels and are recorded as-is.
const (
	ChannelWhatsApp = "whatsapp"
)

// OptIn records the latest explicit consent signal for one
// (tenant, recipient, channel) triple. Upserts overwrite; there is no
// consent history beyond the notes field.
type OptIn struct {
	ID        int64     `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID  string    `json:"tenant_id" gorm:"column:tenant_id;uniqueIndex:idx_opt_ins_tenant_msisdn_channel"`
	Msisdn    string    `json:"msisdn" gorm:"column:msisdn;uniqueIndex:idx_opt_ins_tenant_msisdn_channel"`
	Channel   string    `json:"channel" gorm:"column:channel;uniqueIndex:idx_opt_ins_tenant_msisdn_channel"`
	OptedIn   bool      `json:"opted_in" gorm:"column:opted_in;not null"`
	Method    string    `json:"method,omitempty" gorm:"column:method"`
	Source    string    `json:"source,omitempty" gorm:"column:source"`
	Notes     string    `json:"notes,omitempty" gorm:"column:notes"`
	CreatedAt time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (OptIn) TableName() string {
	return "opt_ins"
}

// OptInUpdatableFields returns the column names overwritten when a newer
// consent signal arrives for an existing triple.
func OptInUpdatableFields() []string {
	return []string{"opted_in", "method", "source", "notes", "updated_at"}
}
