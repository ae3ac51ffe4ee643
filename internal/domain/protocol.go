package domain

import (
	"fmt"
	"strings"
)

type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Protocols lists every protocol a pool entry can carry, in display order.
func Protocols() []Protocol {
	return []Protocol{ProtocolHTTP, ProtocolSOCKS4, ProtocolSOCKS5}
}

// ParseProtocol normalises user and source input. "https" proxies are
// plain HTTP CONNECT proxies and fold into http.
func ParseProtocol(raw string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "http", "https":
		return ProtocolHTTP, nil
	case "socks4", "socks4a":
		return ProtocolSOCKS4, nil
	case "socks5", "socks5h", "socks":
		return ProtocolSOCKS5, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", raw)
	}
}

// ProtocolFromHint guesses the protocol of a list from its URL or name.
func ProtocolFromHint(hint string) Protocol {
	lower := strings.ToLower(hint)
	switch {
	case strings.Contains(lower, "socks4"):
		return ProtocolSOCKS4
	case strings.Contains(lower, "socks5"), strings.Contains(lower, "socks"):
		return ProtocolSOCKS5
	default:
		return ProtocolHTTP
	}
}

// Tier is the priority class of a source. Lower is more trusted.
type Tier uint8

const (
	TierPremium Tier = 1
	TierPublic  Tier = 2
	TierBasic   Tier = 3
)

func Tiers() []Tier {
	return []Tier{TierPremium, TierPublic, TierBasic}
}

func (t Tier) Valid() bool {
	return t >= TierPremium && t <= TierBasic
}

func (t Tier) Label() string {
	switch t {
	case TierPremium:
		return "Premium"
	case TierPublic:
		return "Public"
	case TierBasic:
		return "Basic"
	default:
		return "Unknown"
	}
}
