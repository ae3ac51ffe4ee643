package support

import "testing"

func TestParseProxyList(t *testing.T) {
	input := "1.1.1.1:80\r\ninvalid\n2.2.2.2:8080:user:pass\n2.2.2.2:badport\n" +
		"# comment\nsocks5://u:p@3.3.3.3:1080\n004.004.004.004:3128 US elite\n"

	parsed := ParseProxyList(input)
	if len(parsed) != 4 {
		t.Fatalf("ParseProxyList returned %d proxies, want 4: %+v", len(parsed), parsed)
	}

	if parsed[0].IP != "1.1.1.1" || parsed[0].Port != 80 || parsed[0].Username != "" {
		t.Fatalf("first proxy = %+v, want 1.1.1.1:80 without auth", parsed[0])
	}
	if parsed[1].Username != "user" || parsed[1].Password != "pass" {
		t.Fatalf("unexpected credentials: %s:%s", parsed[1].Username, parsed[1].Password)
	}
	if parsed[2].Scheme != "socks5" || parsed[2].Username != "u" || parsed[2].IP != "3.3.3.3" {
		t.Fatalf("scheme proxy = %+v, want socks5 u@3.3.3.3", parsed[2])
	}
	if parsed[3].IP != "4.4.4.4" || parsed[3].Port != 3128 {
		t.Fatalf("padded proxy = %+v, want 4.4.4.4:3128", parsed[3])
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"10.0.0.1", "10.0.0.1", true},
		{"010.000.000.001", "10.0.0.1", true},
		{"256.1.1.1", "", false},
		{"0.0.0.0", "", false},
		{"1.2.3", "", false},
		{"a.b.c.d", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeIP(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("NormalizeIP(%q) = (%q, %t), want (%q, %t)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExtractAddressPairs(t *testing.T) {
	html := `<table><tr><td>5.6.7.8</td><td>3128</td><td>US</td></tr>
<tr><td>5.6.7.8</td> <td class="port">3128</td></tr>
<tr><td>9.9.9.9</td><td>99999</td></tr></table> plain 1.2.3.4:8080 text`

	pairs := ExtractAddressPairs(html)
	if len(pairs) != 2 {
		t.Fatalf("ExtractAddressPairs returned %d pairs, want 2: %+v", len(pairs), pairs)
	}
	if pairs[0].IP != "5.6.7.8" || pairs[0].Port != 3128 {
		t.Fatalf("first pair = %+v, want 5.6.7.8:3128", pairs[0])
	}
	if pairs[1].IP != "1.2.3.4" || pairs[1].Port != 8080 {
		t.Fatalf("second pair = %+v, want 1.2.3.4:8080", pairs[1])
	}
}

func TestFindIP(t *testing.T) {
	input := "Client address: 203.0.113.5 connected via [2001:db8::1]"

	if got := FindIP(input); got != "203.0.113.5" {
		t.Fatalf("FindIP returned %s, want 203.0.113.5", got)
	}
}
