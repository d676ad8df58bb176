package types

import "time"

// NotAvailable is the sentinel returned for absent downtime values
const NotAvailable = "N/A"

// Downtime is the stored window of a group, kept as written by the user
type Downtime struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// NoDowntime is returned when a group has no window
var NoDowntime = Downtime{StartTime: NotAvailable, EndTime: NotAvailable}

// IsSet reports whether the downtime is a real window
func (d Downtime) IsSet() bool {
	return d.StartTime != NotAvailable && d.EndTime != NotAvailable
}

// GroupDowntime is a downtime row joined to its group name
type GroupDowntime struct {
	GroupName string    `json:"group_name"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is the last applied power action of a group
type Transition string

const (
	TransitionNone    Transition = ""
	TransitionStopped Transition = "stopped"
	TransitionStarted Transition = "started"
)
