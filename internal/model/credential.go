package model

import (
	"time"
)

// Token kinds stored in the vault.
const (
	TokenKindUser   = "user"   // short/medium-lived token issued to a person
	TokenKindSystem = "system" // system-user token, typically non-expiring
)

// Credential stores one encrypted WhatsApp access token per tenant.
// At most one row per tenant is active; rotation replaces the ciphertext
// in place so superseded secrets never linger.
type Credential struct {
	ID            int64      `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID      string     `json:"tenant_id" gorm:"column:tenant_id;index:idx_credentials_tenant_active,unique,where:active"`
	WabaID        string     `json:"waba_id,omitempty" gorm:"column:waba_id"`
	PhoneNumberID string     `json:"phone_number_id,omitempty" gorm:"column:phone_number_id"`
	Ciphertext    []byte     `json:"-" gorm:"column:ciphertext;type:bytea;not null"`
	TokenKind     string     `json:"token_kind" gorm:"column:token_kind;not null;default:'user'"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" gorm:"column:expires_at"`
	Active        bool       `json:"active" gorm:"column:active;default:true"`
	LastRotatedAt time.Time  `json:"last_rotated_at" gorm:"column:last_rotated_at"`
	CreatedAt     time.Time  `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Credential) TableName() string {
	return "credentials"
}

// IsExpired reports whether the credential has a past expiry. A NULL expiry
// means the token never expires.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}
