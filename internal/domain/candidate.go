package domain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Geo is the location data attached to a proxy address.
type Geo struct {
	Country     string `gorm:"size:100;default:'Unknown'" json:"country"`
	CountryCode string `gorm:"size:2;default:'XX';index" json:"country_code"`
	Region      string `gorm:"size:100;default:''" json:"region"`
	City        string `gorm:"size:100;default:''" json:"city"`
	Timezone    string `gorm:"size:50;default:''" json:"timezone"`
}

func UnknownGeo() Geo {
	return Geo{Country: "Unknown", CountryCode: "XX"}
}

func (g Geo) IsUnknown() bool {
	return g.CountryCode == "" || g.CountryCode == "XX"
}

// ProxyKey identifies a unique pool entry.
type ProxyKey struct {
	IP       string
	Port     uint16
	Protocol Protocol
}

func (k ProxyKey) String() string {
	return fmt.Sprintf("%s/%s", net.JoinHostPort(k.IP, strconv.Itoa(int(k.Port))), k.Protocol)
}

// Candidate is an unvalidated proxy produced by one source during one run.
type Candidate struct {
	IP       string
	Port     uint16
	Protocol Protocol
	Source   string
	Tier     Tier
	Username string
	Password string
	Geo      Geo
}

func (c Candidate) Key() ProxyKey {
	return ProxyKey{IP: c.IP, Port: c.Port, Protocol: c.Protocol}
}

func (c Candidate) Address() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(int(c.Port)))
}

func (c Candidate) HasAuth() bool {
	return c.Username != "" && c.Password != ""
}

// Validate rejects candidates that can never become pool entries.
func (c Candidate) Validate() error {
	if net.ParseIP(c.IP) == nil {
		return fmt.Errorf("invalid ip %q", c.IP)
	}
	if c.Port == 0 {
		return errors.New("port must be positive")
	}
	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		return err
	}
	if !c.Tier.Valid() {
		return fmt.Errorf("invalid tier %d", c.Tier)
	}
	return nil
}

// ToProxy builds a fresh, never-checked pool entry from the candidate.
func (c Candidate) ToProxy() Proxy {
	geo := c.Geo
	if geo.Country == "" {
		geo.Country = "Unknown"
	}
	if geo.CountryCode == "" {
		geo.CountryCode = "XX"
	}
	return Proxy{
		IP:       c.IP,
		Port:     c.Port,
		Protocol: c.Protocol,
		Tier:     c.Tier,
		Source:   c.Source,
		Username: c.Username,
		Password: c.Password,
		Geo:      geo,
	}
}
