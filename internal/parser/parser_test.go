package parser

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseLineCombined(t *testing.T) {
	p := New()

	line := `192.168.1.1 - - [01/Jan/2024:12:00:00 +0000] "GET /home HTTP/1.1" 200 1234 "-" "Mozilla/5.0" 150`
	entry, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}

	if entry.Client != "192.168.1.1" {
		t.Errorf("client: expected 192.168.1.1, got %q", entry.Client)
	}
	want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if !entry.Timestamp.Equal(want) {
		t.Errorf("timestamp: expected %v, got %v", want, entry.Timestamp)
	}
	if entry.Method != "GET" || entry.Path != "/home" {
		t.Errorf("request: expected GET /home, got %s %s", entry.Method, entry.Path)
	}
	if entry.Status != 200 {
		t.Errorf("status: expected 200, got %d", entry.Status)
	}
	if entry.ResponseTime != 150.0 {
		t.Errorf("response time: expected 150.0, got %v", entry.ResponseTime)
	}
	if entry.Bytes != 1234 {
		t.Errorf("bytes: expected 1234, got %d", entry.Bytes)
	}
	if entry.Referrer != "" {
		t.Errorf("referrer: expected empty for \"-\", got %q", entry.Referrer)
	}
	if entry.Agent != "Mozilla/5.0" {
		t.Errorf("agent: expected Mozilla/5.0, got %q", entry.Agent)
	}
}

func TestParseLineVariants(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		check   func(t *testing.T, p *Parser)
	}{
		{
			name: "no response time field",
			line: `10.0.0.1 - - [01/Jan/2024:12:00:00 +0000] "GET /a HTTP/1.1" 200 10 "-" "curl/8.0"`,
			check: func(t *testing.T, p *Parser) {
				entry, _ := p.ParseLine(`10.0.0.1 - - [01/Jan/2024:12:00:00 +0000] "GET /a HTTP/1.1" 200 10 "-" "curl/8.0"`)
				if entry.HasResponseTime() {
					t.Errorf("expected unset response time, got %v", entry.ResponseTime)
				}
			},
		},
		{
			name: "unparseable response time tolerated",
			line: `10.0.0.1 - - [01/Jan/2024:12:00:00 +0000] "GET /a HTTP/1.1" 200 10 "-" "curl/8.0" fast`,
		},
		{
			name: "dash bytes",
			line: `10.0.0.1 - - [01/Jan/2024:12:00:00 +0000] "GET /a HTTP/1.1" 304 - "-" "curl/8.0"`,
		},
		{
			name: "post with referrer",
			line: `10.0.0.1 - - [02/Jan/2024:03:04:05 -0500] "POST /api/v1/orders HTTP/1.1" 201 88 "https://example.com/cart" "Mozilla/5.0" 12.5`,
		},
		{
			name:    "garbage",
			line:    "not a log line at all",
			wantErr: true,
		},
		{
			name:    "missing status",
			line:    `10.0.0.1 - - [01/Jan/2024:12:00:00 +0000] "GET /a HTTP/1.1"`,
			wantErr: true,
		},
		{
			name:    "bad timestamp",
			line:    `10.0.0.1 - - [99/Xyz/2024:99:99:99 +0000] "GET /a HTTP/1.1" 200 10 "-" "curl/8.0"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			_, err := p.ParseLine(tt.line)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestParseLineJSON(t *testing.T) {
	p := New()

	line := `{"remote_addr":"172.16.0.9","time_local":"2024-01-01T12:00:00Z","request":"GET /home HTTP/1.1","status":200,"body_bytes_sent":512,"http_user_agent":"Mozilla/5.0","response_time_ms":42.5}`
	entry, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine json: %v", err)
	}
	if entry.Client != "172.16.0.9" {
		t.Errorf("client: got %q", entry.Client)
	}
	if entry.Method != "GET" || entry.Path != "/home" {
		t.Errorf("request: got %s %s", entry.Method, entry.Path)
	}
	if entry.Status != 200 || entry.Bytes != 512 {
		t.Errorf("status/bytes: got %d/%d", entry.Status, entry.Bytes)
	}
	if entry.ResponseTime != 42.5 {
		t.Errorf("response time: got %v", entry.ResponseTime)
	}

	if _, err := p.ParseLine(`{"remote_addr":"172.16.0.9"}`); !errors.Is(err, ErrMalformed) {
		t.Errorf("incomplete json object should be malformed, got %v", err)
	}
}

func TestStatsSuccessRate(t *testing.T) {
	p := New()

	if _, err := p.ParseLine(`192.168.1.1 - - [01/Jan/2024:12:00:00 +0000] "GET /home HTTP/1.1" 200 1234 "-" "Mozilla/5.0" 150`); err != nil {
		t.Fatalf("valid line failed: %v", err)
	}
	if _, err := p.ParseLine("invalid"); err == nil {
		t.Fatal("invalid line should fail")
	}

	s := p.Stats()
	if s.Parsed != 1 || s.Errors != 1 {
		t.Fatalf("counters: expected 1/1, got %d/%d", s.Parsed, s.Errors)
	}
	if s.SuccessRate != 50.0 {
		t.Errorf("success rate: expected 50.0, got %v", s.SuccessRate)
	}
}

func TestStatsAllErrors(t *testing.T) {
	p := New()
	p.ParseLine("junk one")
	p.ParseLine("junk two")

	s := p.Stats()
	if s.SuccessRate != 0 {
		t.Errorf("success rate with zero parsed: expected 0, got %v", s.SuccessRate)
	}
}

func TestParseReader(t *testing.T) {
	input := strings.Join([]string{
		`192.168.1.1 - - [01/Jan/2024:12:00:00 +0000] "GET /home HTTP/1.1" 200 1234 "-" "Mozilla/5.0" 150`,
		"",
		"garbage line",
		`192.168.1.2 - - [01/Jan/2024:12:00:01 +0000] "GET /about HTTP/1.1" 404 0 "-" "Mozilla/5.0" 3`,
	}, "\n")

	p := New()
	entries, err := p.ParseReader(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	s := p.Stats()
	if s.Parsed != 2 || s.Errors != 1 {
		t.Errorf("blank lines must not touch counters: got %d/%d", s.Parsed, s.Errors)
	}
}
