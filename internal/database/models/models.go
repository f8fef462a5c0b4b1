// Package models defines the persisted row shapes written by the
// call-history writer.
package models

// CallLogEntry is one row of the call_log table, as specified in the
// exchange integration's external interface (§6 of the design docs).
type CallLogEntry struct {
	ID             int64  `json:"id"`
	Timestamp      string `json:"timestamp"` // "YYYY-MM-DD HH:MM:SS" local time, second precision
	Direction      string `json:"direction"` // "inbound" | "outbound"
	ExternalNumber string `json:"external_number"`
	InternalExt    string `json:"internal_ext,omitempty"`
	InternalName   string `json:"internal_name,omitempty"`
	Answered       bool   `json:"answered"`
	Duration       int    `json:"duration"` // seconds
	LinkedID       string `json:"linkedid"`
}
