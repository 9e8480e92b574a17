// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import "github.com/mptm-gw/mptm/pkg/dataplane"

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime          string `json:"uptime"`
	DataplaneLoaded bool   `json:"dataplane_loaded"`
	ConfigLoaded    bool   `json:"config_loaded"`
	TunnelCount     int    `json:"tunnel_count"`
	AttachedCount   int    `json:"attached_count"`
	EventsTotal     uint64 `json:"events_total"`
}

// ActionStat holds the counters of one verdict.
type ActionStat struct {
	Action  string `json:"action"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// StatisticsResponse holds verdict counters and table occupancy.
type StatisticsResponse struct {
	Actions []ActionStat           `json:"actions"`
	Tables  []dataplane.TableStats `json:"tables"`
}

// AttachmentInfo is a program attached to an interface.
type AttachmentInfo struct {
	Ifindex   int    `json:"ifindex"`
	Interface string `json:"interface,omitempty"`
	Program   string `json:"program"`
	Section   string `json:"section"`
}

// ConfigSetRequest is the body of the config set and delete endpoints.
type ConfigSetRequest struct {
	Input string `json:"input"`
}

// ConfigCommitRequest is the body of the commit endpoint.
type ConfigCommitRequest struct {
	Comment string `json:"comment,omitempty"`
}

// ConfigRollbackRequest is the body of the rollback endpoint.
type ConfigRollbackRequest struct {
	N int `json:"n"`
}

// HistoryInfo is one commit history entry.
type HistoryInfo struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment,omitempty"`
	Commit    uint64 `json:"commit"`
	Tunnels   int    `json:"tunnels"`
	Redirects int    `json:"redirects"`
	Groups    int    `json:"groups"`
}

// TextResponse carries preformatted output.
type TextResponse struct {
	Output string `json:"output"`
}
