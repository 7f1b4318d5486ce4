// Package models defines the telemetry domain types shared by the registry, the ingest service and the store.
package models

import (
	"strings"
	"time"
)

// InstanceStatus is the moderation state of an instance.
type InstanceStatus string

const (
	// StatusActive is the only status allowed to submit scans.
	StatusActive InstanceStatus = "active"
	// StatusInactive marks an instance that was deactivated out of band.
	StatusInactive InstanceStatus = "inactive"
	// StatusBanned marks an instance that was banned by moderation.
	StatusBanned InstanceStatus = "banned"
)

// Instance is one anonymous client installation.
type Instance struct {
	ID    int64
	Token string

	SiteHash                 string
	Status                   InstanceStatus
	ScanCount                int
	LastSeenAt               time.Time
	CreatedAt                time.Time
	RegisteredScannerVersion string
}

// IsActive reports whether the instance may submit scans.
func (i Instance) IsActive() bool {
	return strings.EqualFold(string(i.Status), string(StatusActive))
}

// IsBanned reports whether the instance was banned.
func (i Instance) IsBanned() bool {
	return strings.EqualFold(string(i.Status), string(StatusBanned))
}

// Submission is one validated telemetry delivery, ready to be persisted.
type Submission struct {
	ScanID         string
	SiteHash       string
	ConsentGiven   bool
	ScanTimestamp  time.Time
	ScanDurationMs int
	ScannerVersion string
	WPVersion      string
	PHPVersion     string
	ReceivedAt     time.Time

	Findings []Finding
}

// Finding is one aggregated count of a detected data category at a location.
type Finding struct {
	DataType       string
	SourceLocation string
	Count          int
}
