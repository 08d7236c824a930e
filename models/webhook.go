package models

// WebhookEnvelope is the body posted by the upstream presence feed.
type WebhookEnvelope struct {
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Payload *WebhookPayload `json:"payload"`
}

type WebhookPayload struct {
	ID        string          `json:"id"`
	Presences []PresenceEntry `json:"presences"`
}

type PresenceEntry struct {
	Participant       string `json:"participant"`
	LastKnownPresence string `json:"lastKnownPresence"`
	Status            string `json:"status"`
	LastSeen          *int64 `json:"lastSeen"`
}

type WebhookResponse struct {
	Status    string  `json:"status"`
	Outcome   Outcome `json:"outcome"`
	SessionID string  `json:"session_id,omitempty"`
}

type ListResponse[T any] struct {
	Data       []T   `json:"data"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}
