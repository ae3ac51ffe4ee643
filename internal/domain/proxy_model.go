package domain

import (
	"encoding/json"
	"math"
	"net"
	"strconv"
	"time"

	"proxyharvest/internal/security"

	"gorm.io/gorm"
)

type Proxy struct {
	ID       uint64   `gorm:"primaryKey;autoIncrement" json:"id"`
	IP       string   `gorm:"size:45;not null;uniqueIndex:idx_proxy_key,priority:1" json:"ip"`
	Port     uint16   `gorm:"not null;uniqueIndex:idx_proxy_key,priority:2" json:"port"`
	Protocol Protocol `gorm:"size:10;not null;uniqueIndex:idx_proxy_key,priority:3;index" json:"protocol"`
	Tier     Tier     `gorm:"not null;index" json:"tier"`
	Source   string   `gorm:"size:100;index" json:"source"`
	Username string   `gorm:"size:255;default:''" json:"username"`
	Password string   `gorm:"-" json:"password,omitempty"`

	PasswordEncrypted string `gorm:"column:password;default:''" json:"-"`

	Geo

	IsWorking    bool       `gorm:"not null;index" json:"is_working"`
	LastChecked  *time.Time `gorm:"index" json:"last_checked"`
	ResponseTime *float64   `json:"response_time"` // seconds
	SuccessCount uint64     `gorm:"not null;default:0" json:"success_count"`
	FailureCount uint64     `gorm:"not null;default:0" json:"failure_count"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Tests []ProxyTest `gorm:"foreignKey:ProxyID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}

func (proxy *Proxy) BeforeSave(_ *gorm.DB) error {
	if proxy.Password == "" {
		proxy.PasswordEncrypted = ""
		return nil
	}

	encrypted, err := security.EncryptSecret(proxy.Password)
	if err != nil {
		return err
	}
	proxy.PasswordEncrypted = encrypted
	return nil
}

func (proxy *Proxy) AfterFind(_ *gorm.DB) error {
	plain, _, err := security.DecryptSecret(proxy.PasswordEncrypted)
	if err != nil {
		return err
	}
	proxy.Password = plain
	return nil
}

func (proxy *Proxy) Key() ProxyKey {
	return ProxyKey{IP: proxy.IP, Port: proxy.Port, Protocol: proxy.Protocol}
}

// Address returns host:port, bracketing IPv6 hosts.
func (proxy *Proxy) Address() string {
	return net.JoinHostPort(proxy.IP, strconv.Itoa(int(proxy.Port)))
}

func (proxy *Proxy) HasAuth() bool {
	return proxy.Username != "" && proxy.Password != ""
}

// SuccessRate is success/(success+failure)*100, rounded to two decimals.
func (proxy *Proxy) SuccessRate() float64 {
	total := proxy.SuccessCount + proxy.FailureCount
	if total == 0 {
		return 0
	}
	return Round2(float64(proxy.SuccessCount) / float64(total) * 100)
}

// Redacted returns a copy without the plaintext password, for read
// responses. Exports keep it.
func (proxy Proxy) Redacted() Proxy {
	proxy.Password = ""
	return proxy
}

// AsCandidate lets a stored proxy re-enter the validator.
func (proxy *Proxy) AsCandidate() Candidate {
	return Candidate{
		IP:       proxy.IP,
		Port:     proxy.Port,
		Protocol: proxy.Protocol,
		Source:   proxy.Source,
		Tier:     proxy.Tier,
		Username: proxy.Username,
		Password: proxy.Password,
		Geo:      proxy.Geo,
	}
}

type proxyJSON Proxy

// MarshalJSON adds the derived success_rate; decoding ignores it.
func (proxy Proxy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		proxyJSON
		SuccessRate float64 `json:"success_rate"`
	}{
		proxyJSON:   proxyJSON(proxy),
		SuccessRate: proxy.SuccessRate(),
	})
}

func Round2(value float64) float64 {
	return math.Round(value*100) / 100
}
