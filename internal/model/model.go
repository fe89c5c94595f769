// Package model holds the catalog entities shared by storage, the HTTP API and
// the line processes.
package model

import "errors"

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// Location is a monitored production line.
type Location struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parentId"`
	Enabled  bool   `json:"enabled"`
}

// Product is something a line can produce.
type Product struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// DelayType classifies a stoppage.
type DelayType struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
}

// Fields maps the keys of a raw telemetry record to the scanner, counter and
// cycle time of one line.
type Fields struct {
	Scanner   string `json:"scanner" yaml:"scanner"`
	Count     string `json:"count" yaml:"count"`
	CycleTime string `json:"cycleTime" yaml:"cycle_time"`
}
