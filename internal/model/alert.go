package model

import "time"

// AlertType maps an outbox entry to its payload-building policy.
type AlertType string

// Alert type constants.
const (
	AlertTypeDisable AlertType = "disable"
	AlertTypeEnable  AlertType = "enable"
)

// Alert is a single entry in the JSON array posted to the alert endpoint.
// The payload is rendered once at enqueue time so delivery is idempotent
// with respect to content.
type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      *time.Time        `json:"endsAt,omitempty"`
}
