package model

import "time"

// TenantChannel maps a provider phone-number identifier to the tenant that
// owns it. The unique index on phone_number_id makes webhook tenant
// resolution a single indexed lookup.
type TenantChannel struct {
	ID            int64     `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	PhoneNumberID string    `json:"phone_number_id" gorm:"column:phone_number_id;uniqueIndex:idx_tenant_channels_phone_number_id"`
	TenantID      string    `json:"tenant_id" gorm:"column:tenant_id;index"`
	WabaID        string    `json:"waba_id,omitempty" gorm:"column:waba_id"`
	Active        bool      `json:"active" gorm:"column:active;default:true"`
	CreatedAt     time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (TenantChannel) TableName() string {
	return "tenant_channels"
}
