package models

import "time"

type WebhookResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Time        string         `json:"time"`
	Correlation map[string]int `json:"correlation,omitempty"`
	// AuditEvents is the number of stored deliveries, absent when the audit
	// log is off.
	AuditEvents *int `json:"audit_events,omitempty"`
}

// AuditEvent is one raw webhook delivery kept in the audit log.
type AuditEvent struct {
	ID         string    `json:"id"`
	DeliveryID string    `json:"delivery_id"`
	EventType  string    `json:"event_type"`
	Result     string    `json:"result"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}
