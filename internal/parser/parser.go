package parser

import (
	"bufio"
	"errors"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fastjson"

	"github.com/logscope/logscope/internal/model"
)

// ErrMalformed marks a line that could not be decomposed into at least
// client, timestamp, method, path and status. Per-line, never fatal.
var ErrMalformed = errors.New("malformed log line")

// combinedRe matches the combined log shape:
// 192.168.1.1 - - [01/Jan/2024:12:00:00 +0000] "GET /home HTTP/1.1" 200 1234 "-" "Mozilla/5.0" 150
// The trailing response time (milliseconds) is optional.
var combinedRe = regexp.MustCompile(
	`^(\S+)\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"(\S+)\s+(\S+)\s*(\S*)"\s+(\d{3})\s+(\d+|-)\s+"([^"]*)"\s+"([^"]*)"(?:\s+(\S+))?\s*$`,
)

const timeLayout = "02/Jan/2006:15:04:05 -0700"

// Stats reports a parser's aggregate counters after processing.
type Stats struct {
	Parsed      int64   `json:"parsed"`
	Errors      int64   `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
}

// Parser turns raw log lines into structured entries. Counters are owned by
// the instance, so concurrent imports each construct their own Parser.
type Parser struct {
	mu     sync.Mutex
	parsed int64
	errors int64

	jsonPool fastjson.ParserPool
}

func New() *Parser {
	return &Parser{}
}

// ParseLine parses a single raw line. On failure the error counter is
// incremented and ErrMalformed is returned; the caller skips the line.
func (p *Parser) ParseLine(raw string) (model.LogEntry, error) {
	entry, err := p.decode(raw)

	p.mu.Lock()
	if err != nil {
		p.errors++
	} else {
		p.parsed++
	}
	p.mu.Unlock()

	return entry, err
}

func (p *Parser) decode(raw string) (model.LogEntry, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return model.LogEntry{}, ErrMalformed
	}

	if line[0] == '{' {
		return p.decodeJSON(line)
	}
	return decodeCombined(line)
}

func decodeCombined(line string) (model.LogEntry, error) {
	m := combinedRe.FindStringSubmatch(line)
	if m == nil {
		return model.LogEntry{}, ErrMalformed
	}

	ts, err := time.Parse(timeLayout, m[2])
	if err != nil {
		return model.LogEntry{}, ErrMalformed
	}

	status, err := strconv.Atoi(m[6])
	if err != nil {
		return model.LogEntry{}, ErrMalformed
	}

	var bytes int64
	if m[7] != "-" {
		bytes, _ = strconv.ParseInt(m[7], 10, 64)
	}

	entry := model.LogEntry{
		Client:       m[1],
		Timestamp:    ts.UTC().Truncate(time.Second),
		Method:       m[3],
		Path:         m[4],
		Status:       status,
		ResponseTime: -1,
		Referrer:     normalizeDash(m[8]),
		Agent:        m[9],
		Bytes:        bytes,
	}

	// Tolerate a missing or unparseable trailing field: the response time
	// stays unset rather than failing the whole line.
	if m[10] != "" {
		if rt, err := strconv.ParseFloat(m[10], 64); err == nil && rt >= 0 {
			entry.ResponseTime = rt
		}
	}

	if err := entry.Validate(); err != nil {
		return model.LogEntry{}, ErrMalformed
	}
	return entry, nil
}

// decodeJSON accepts one JSON object per line, tolerating the common nginx
// field aliases.
func (p *Parser) decodeJSON(line string) (model.LogEntry, error) {
	jp := p.jsonPool.Get()
	defer p.jsonPool.Put(jp)

	v, err := jp.Parse(line)
	if err != nil {
		return model.LogEntry{}, ErrMalformed
	}

	entry := model.LogEntry{ResponseTime: -1}

	entry.Client = firstString(v, "client", "remote_addr", "ip")

	if req := string(v.GetStringBytes("request")); req != "" {
		parts := strings.Fields(req)
		if len(parts) >= 2 {
			entry.Method = parts[0]
			entry.Path = parts[1]
		}
	} else {
		entry.Method = string(v.GetStringBytes("method"))
		entry.Path = firstString(v, "path", "uri")
	}

	entry.Status = v.GetInt("status")
	if entry.Status == 0 {
		entry.Status = v.GetInt("status_code")
	}

	entry.Bytes = v.GetInt64("body_bytes_sent")
	if entry.Bytes == 0 {
		entry.Bytes = v.GetInt64("size")
	}

	entry.Referrer = firstString(v, "referrer", "referer", "http_referer")
	entry.Agent = firstString(v, "agent", "user_agent", "http_user_agent")

	if v.Exists("response_time_ms") {
		if rt := v.GetFloat64("response_time_ms"); rt >= 0 {
			entry.ResponseTime = rt
		}
	} else if v.Exists("response_time") {
		if rt := v.GetFloat64("response_time"); rt >= 0 {
			entry.ResponseTime = rt
		}
	}

	if tsStr := firstString(v, "timestamp", "time", "time_local"); tsStr != "" {
		entry.Timestamp = parseTimestamp(tsStr)
	}

	if err := entry.Validate(); err != nil {
		return model.LogEntry{}, ErrMalformed
	}
	return entry, nil
}

func firstString(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		if s := v.GetStringBytes(k); len(s) > 0 {
			return string(s)
		}
	}
	return ""
}

var tsLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	timeLayout,
}

func parseTimestamp(s string) time.Time {
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second)
		}
	}
	return time.Time{}
}

func normalizeDash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// ParseReader parses newline-delimited text, skipping and counting malformed
// lines. Blank lines are ignored without touching the counters.
func (p *Parser) ParseReader(r io.Reader) ([]model.LogEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var entries []model.LogEntry
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := p.ParseLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, sc.Err()
}

// ParseFile parses a whole file. It may be invoked repeatedly on the same
// path; counters keep accumulating on the instance.
func (p *Parser) ParseFile(path string) ([]model.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return p.ParseReader(f)
}

// Stats returns a snapshot of the counters. The success rate is a percentage
// rounded to two decimals, defined as 0 when nothing parsed successfully.
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Parsed: p.parsed, Errors: p.errors}
	total := p.parsed + p.errors
	if total > 0 && p.parsed > 0 {
		s.SuccessRate = math.Round(float64(p.parsed)/float64(total)*100*100) / 100
	}
	return s
}
