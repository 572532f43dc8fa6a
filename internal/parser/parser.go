// Package parser turns raw log lines into structured records.
//
// Malformed input is data, not a fault: Parse never returns an error and
// lines that do not match their grammar are simply reported as nil.
package parser

import (
	"regexp"
	"strconv"
	"time"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

var (
	// <ip> - <user> [<ts>] "<method> <url> <version>" <status> <size> "<referrer>" "<ua>"
	accessPattern = regexp.MustCompile(`^(\S+) - (\S+) \[([^\]]+)\] "(\S+) (\S+) (\S+)" (\d{3}) (\d+|-) "([^"]*)" "([^"]*)"`)

	// <ts> [<severity>] <module>: *<pid> <message>, client: <c>, server: <s>, request: "<r>", host: "<h>"
	errorPattern = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}) \[(\w+)\] (\S+): \*(\d+) (.*?), client: ([^,]+), server: ([^,]*), request: "([^"]*)", host: "([^"]*)"`)
)

var (
	accessTimeLayouts = []string{"02/Jan/2006:15:04:05 -0700", "02/Jan/2006:15:04:05"}
	errorTimeLayout   = "2006/01/02 15:04:05"
)

// Parse extracts a record from line according to format. It returns nil when the
// line does not match the grammar. LineNumber and SourceFile are left for the caller.
func Parse(line string, format model.FormatTag) *model.LogRecord {
	switch format {
	case model.FormatAccess, model.FormatMyFiles:
		return parseAccess(line, format)
	case model.FormatError:
		return parseError(line)
	}
	return nil
}

func parseAccess(line string, format model.FormatTag) *model.LogRecord {
	m := accessPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	status, err := strconv.Atoi(m[7])
	if err != nil {
		return nil
	}
	rec := &model.LogRecord{
		Format:      format,
		IP:          m[1],
		Timestamp:   parseTime(m[3], accessTimeLayouts...),
		Method:      m[4],
		URL:         m[5],
		HTTPVersion: m[6],
		StatusCode:  status,
		Referrer:    m[9],
		UserAgent:   m[10],
	}
	// myfiles always carries an explicit user token; plain access uses "-" for none.
	if user := m[2]; format == model.FormatMyFiles || user != "-" {
		rec.User = &user
	}
	if m[8] != "-" {
		if size, err := strconv.ParseInt(m[8], 10, 64); err == nil {
			rec.Size = &size
		}
	}
	return rec
}

func parseError(line string) *model.LogRecord {
	m := errorPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	pid, err := strconv.Atoi(m[4])
	if err != nil {
		return nil
	}
	return &model.LogRecord{
		Format:    model.FormatError,
		Timestamp: parseTime(m[1], errorTimeLayout),
		Severity:  m[2],
		Module:    m[3],
		PID:       pid,
		Message:   m[5],
		Client:    m[6],
		Server:    m[7],
		Request:   m[8],
		Host:      m[9],
	}
}

// parseTime tries each layout in turn and returns nil when none fits.
func parseTime(s string, layouts ...string) *time.Time {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
