package model

import "time"

// FormatTag is the closed set of log grammars understood by the parser.
type FormatTag string

const (
	FormatAccess  FormatTag = "access"
	FormatError   FormatTag = "error"
	FormatMyFiles FormatTag = "myfiles"
	FormatUnknown FormatTag = "unknown"
)

// IsAccessLike reports whether records of this format carry HTTP request fields.
func (f FormatTag) IsAccessLike() bool {
	return f == FormatAccess || f == FormatMyFiles
}

// Valid reports whether f names a parseable grammar.
func (f FormatTag) Valid() bool {
	return f == FormatAccess || f == FormatError || f == FormatMyFiles
}

// LogRecord represents one parsed line. Only the fields of its Format are populated.
type LogRecord struct {
	LineNumber int        `json:"line_number"`
	SourceFile string     `json:"source_file"`
	Format     FormatTag  `json:"format"`
	Timestamp  *time.Time `json:"timestamp"`

	// access / myfiles
	IP          string  `json:"ip,omitempty"`
	User        *string `json:"user,omitempty"`
	Method      string  `json:"method,omitempty"`
	URL         string  `json:"url,omitempty"`
	HTTPVersion string  `json:"http_version,omitempty"`
	StatusCode  int     `json:"status_code,omitempty"`
	Size        *int64  `json:"size,omitempty"`
	Referrer    string  `json:"referrer,omitempty"`
	UserAgent   string  `json:"user_agent,omitempty"`

	// error
	Severity string `json:"severity,omitempty"`
	Module   string `json:"module,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Message  string `json:"message,omitempty"`
	Client   string `json:"client,omitempty"`
	Server   string `json:"server,omitempty"`
	Request  string `json:"request,omitempty"`
	Host     string `json:"host,omitempty"`
}
