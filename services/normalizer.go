package services

import (
	"strings"

	"chorus/presence-tracker/models"
)

// Normalizer turns raw webhook envelopes into presence events for one
// tracked identity.
type Normalizer struct {
	identity string
}

func NewNormalizer(identity string) *Normalizer {
	return &Normalizer{identity: identity}
}

// Normalize extracts the first presence entry. ok is false when the envelope
// carries nothing actionable: no presences, another participant, or a status
// outside the recognised set.
func (n *Normalizer) Normalize(env *models.WebhookEnvelope) (models.PresenceEvent, bool) {
	if env == nil || env.Payload == nil || len(env.Payload.Presences) == 0 {
		return models.PresenceEvent{}, false
	}

	entry := env.Payload.Presences[0]
	if strings.TrimSpace(entry.Participant) != n.identity {
		return models.PresenceEvent{}, false
	}

	status := entry.LastKnownPresence
	if status == "" {
		status = entry.Status
	}
	status = strings.ToLower(strings.TrimSpace(status))

	category := Classify(status)
	if category == models.CategoryUnknown {
		return models.PresenceEvent{}, false
	}

	return models.PresenceEvent{
		Identity: n.identity,
		Category: category,
		Status:   status,
	}, true
}

// Classify maps an upstream status string to its category.
func Classify(status string) models.Category {
	switch status {
	case "online", "typing", "recording":
		return models.CategoryActive
	case "offline":
		return models.CategoryInactive
	default:
		return models.CategoryUnknown
	}
}
