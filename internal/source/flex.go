package source

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	"exploitwatch/internal/incident"
)

// flexAmount decodes a JSON number or string into a raw amount.
func flexAmount(raw json.RawMessage) incident.RawAmount {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return incident.RawAmount{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return incident.AmountText(s)
		}
		return incident.RawAmount{}
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return incident.AmountText(string(raw))
	}
	return incident.AmountDecimal(d)
}

// flexTime decodes unix seconds, unix milliseconds or a textual timestamp.
func flexTime(raw json.RawMessage) incident.RawTime {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return incident.RawTime{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return incident.TimeText(s)
		}
		return incident.RawTime{}
	}
	if sec, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return incident.TimeUnix(sec)
	}
	if f, err := strconv.ParseFloat(string(raw), 64); err == nil {
		return incident.TimeUnix(int64(f))
	}
	return incident.TimeText(string(raw))
}

// flexStrings decodes either a string or a list of strings.
func flexStrings(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}
