package support

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// ParsedProxy is one address pulled out of free-form text.
type ParsedProxy struct {
	IP       string
	Port     uint16
	Scheme   string
	Username string
	Password string
}

var (
	ipRegex = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b|` +
		`\b(?:[A-Fa-f0-9]{1,4}:){7}[A-Fa-f0-9]{1,4}\b`)

	// ip:port anywhere in a document, including ip</td><td>port table cells.
	addressPairRegex = regexp.MustCompile(`((?:[0-9]{1,3}\.){3}[0-9]{1,3})(?:\s*:\s*|\s*</td>\s*<td[^>]*>\s*)([0-9]{1,5})\b`)
)

// ParseProxyList reads one proxy per line. Accepted forms:
//
//	ip:port
//	ip:port:user:pass
//	user:pass@ip:port
//	scheme://[user:pass@]ip:port
//
// Lines that don't parse are skipped.
func ParseProxyList(text string) []ParsedProxy {
	lines := strings.Split(strings.ReplaceAll(text, "\r", ""), "\n")
	out := make([]ParsedProxy, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 1 {
			line = fields[0]
		}
		if parsed, ok := parseProxyLine(line); ok {
			out = append(out, parsed)
		}
	}

	return out
}

func parseProxyLine(line string) (ParsedProxy, bool) {
	var parsed ParsedProxy

	if scheme, rest, found := strings.Cut(line, "://"); found {
		parsed.Scheme = strings.ToLower(scheme)
		line = rest
	}

	if auth, hostPort, found := strings.Cut(line, "@"); found {
		user, pass, ok := strings.Cut(auth, ":")
		if !ok {
			return ParsedProxy{}, false
		}
		parsed.Username, parsed.Password = user, pass
		line = hostPort
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
	case 4:
		if parsed.Username != "" {
			return ParsedProxy{}, false
		}
		parsed.Username, parsed.Password = parts[2], parts[3]
	default:
		return ParsedProxy{}, false
	}

	ip, ok := NormalizeIP(parts[0])
	if !ok {
		return ParsedProxy{}, false
	}
	port, ok := ParsePort(parts[1])
	if !ok {
		return ParsedProxy{}, false
	}

	parsed.IP = ip
	parsed.Port = port
	return parsed, true
}

// NormalizeIP validates an IPv4 address, dropping zero padding like 010.001.002.003.
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	octets := strings.Split(raw, ".")
	if len(octets) != 4 {
		return "", false
	}

	for i, octet := range octets {
		value, err := strconv.Atoi(octet)
		if err != nil || value < 0 || value > 255 {
			return "", false
		}
		octets[i] = strconv.Itoa(value)
	}

	ip := net.ParseIP(strings.Join(octets, "."))
	if ip == nil || ip.To4() == nil || ip.IsUnspecified() {
		return "", false
	}
	return ip.String(), true
}

func ParsePort(raw string) (uint16, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return uint16(port), true
}

// ExtractAddressPairs finds every ip:port pair in markup or text, in order,
// without duplicates.
func ExtractAddressPairs(document string) []ParsedProxy {
	matches := addressPairRegex.FindAllStringSubmatch(document, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]ParsedProxy, 0, len(matches))

	for _, match := range matches {
		ip, ok := NormalizeIP(match[1])
		if !ok {
			continue
		}
		port, ok := ParsePort(match[2])
		if !ok {
			continue
		}
		key := ip + ":" + strconv.Itoa(int(port))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ParsedProxy{IP: ip, Port: port})
	}

	return out
}

// FindIP identifies the first IP address (IPv4 or IPv6) in a given string.
func FindIP(input string) string {
	return ipRegex.FindString(input)
}
