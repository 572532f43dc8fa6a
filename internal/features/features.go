// Package features derives the numeric detector inputs from parsed records.
package features

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// SuspiciousPatterns are matched case-sensitively against the URL only.
var SuspiciousPatterns = []string{"../", ".env", ".git/config"}

// Names returns the matrix column names for a format, in column order.
func Names(format model.FormatTag) []string {
	if format == model.FormatError {
		return []string{"pid", "message_length"}
	}
	return []string{"ip_frequency", "status_code_class", "user_agent_length", "inter_arrival_seconds", "suspicious_path_flag"}
}

// Extract returns one FeatureVector per record, in record order. Records must
// already be in file line order.
func Extract(records []model.LogRecord, format model.FormatTag) []model.FeatureVector {
	out := make([]model.FeatureVector, len(records))
	if format == model.FormatError {
		for i, r := range records {
			out[i] = model.FeatureVector{
				PID:           r.PID,
				MessageLength: len(r.Message),
			}
		}
		return out
	}

	ipCounts := make(map[string]int, len(records))
	for _, r := range records {
		ipCounts[r.IP]++
	}
	statusClass := encodeStatusCodes(records)

	for i, r := range records {
		fv := model.FeatureVector{
			IPFrequency:     ipCounts[r.IP],
			StatusCode:      r.StatusCode,
			StatusCodeClass: statusClass[r.StatusCode],
			UserAgentLength: len(r.UserAgent),
		}
		if i > 0 {
			fv.InterArrivalSeconds = elapsed(records[i-1], r)
		}
		if IsSuspiciousPath(r.URL) {
			fv.SuspiciousPathFlag = 1
		}
		out[i] = fv
	}
	return out
}

// IsSuspiciousPath reports whether url contains any sensitive substring.
func IsSuspiciousPath(url string) bool {
	for _, p := range SuspiciousPatterns {
		if strings.Contains(url, p) {
			return true
		}
	}
	return false
}

// encodeStatusCodes maps each distinct status code to its ascending rank.
// The mapping is only stable within one batch.
func encodeStatusCodes(records []model.LogRecord) map[int]int {
	seen := make(map[int]struct{})
	var codes []int
	for _, r := range records {
		if _, ok := seen[r.StatusCode]; !ok {
			seen[r.StatusCode] = struct{}{}
			codes = append(codes, r.StatusCode)
		}
	}
	sort.Ints(codes)
	enc := make(map[int]int, len(codes))
	for i, c := range codes {
		enc[c] = i
	}
	return enc
}

// elapsed is the gap in seconds from prev to cur, or 0 when either timestamp is unknown.
func elapsed(prev, cur model.LogRecord) float64 {
	if prev.Timestamp == nil || cur.Timestamp == nil {
		return 0
	}
	return cur.Timestamp.Sub(*prev.Timestamp).Seconds()
}

// Values returns the detector inputs of fv for format, in Names order.
func Values(fv model.FeatureVector, format model.FormatTag) []float64 {
	if format == model.FormatError {
		return []float64{float64(fv.PID), float64(fv.MessageLength)}
	}
	return []float64{
		float64(fv.IPFrequency),
		float64(fv.StatusCodeClass),
		float64(fv.UserAgentLength),
		fv.InterArrivalSeconds,
		float64(fv.SuspiciousPathFlag),
	}
}

// Matrix stacks the vectors into an n x d matrix. It returns nil for an empty batch.
func Matrix(vectors []model.FeatureVector, format model.FormatTag) *mat.Dense {
	if len(vectors) == 0 {
		return nil
	}
	d := len(Names(format))
	data := make([]float64, 0, len(vectors)*d)
	for _, fv := range vectors {
		data = append(data, Values(fv, format)...)
	}
	return mat.NewDense(len(vectors), d, data)
}
