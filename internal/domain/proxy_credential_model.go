package domain

import (
	"strings"
	"time"

	"proxyharvest/internal/security"

	"gorm.io/gorm"
)

// ProxyCredential holds the secrets an API source needs. The map is sealed
// into a single column on save.
type ProxyCredential struct {
	ID          uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	ServiceName string            `gorm:"size:50;not null;uniqueIndex" json:"service_name"`
	Credentials map[string]string `gorm:"-" json:"credentials"`
	IsActive    bool              `gorm:"not null" json:"is_active"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`

	CredentialsEncrypted string `gorm:"column:credentials;type:text;default:''" json:"-"`
}

func (cred *ProxyCredential) BeforeSave(_ *gorm.DB) error {
	sealed, err := security.SealMap(cred.Credentials)
	if err != nil {
		return err
	}
	cred.CredentialsEncrypted = sealed
	return nil
}

func (cred *ProxyCredential) AfterFind(_ *gorm.DB) error {
	opened, err := security.OpenMap(cred.CredentialsEncrypted)
	if err != nil {
		return err
	}
	cred.Credentials = opened
	return nil
}

// Masked returns a copy safe to hand to API clients.
func (cred ProxyCredential) Masked() ProxyCredential {
	out := cred
	out.Credentials = make(map[string]string, len(cred.Credentials))
	for key, value := range cred.Credentials {
		out.Credentials[key] = MaskSecret(value)
	}
	return out
}

// MaskSecret keeps the last four characters of long values.
func MaskSecret(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
