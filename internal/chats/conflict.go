package chats

func resolveDelta(chatID ID, existing *Member, delta Delta) (Member, DeltaOutcome) {
	incoming := Member{
		ChatID:           chatID,
		ContactID:        delta.ContactID,
		IsMember:         delta.IsMember,
		ChangedAtSeconds: delta.At.UTC().Unix(),
		ChangedBy:        delta.MessageID,
	}
	if existing == nil {
		return incoming, DeltaOutcome{Applied: true, Changed: delta.IsMember}
	}

	accept := false
	switch {
	case incoming.ChangedAtSeconds > existing.ChangedAtSeconds:
		accept = true
	case incoming.ChangedAtSeconds < existing.ChangedAtSeconds:
		accept = false
	default:
		accept = incoming.ChangedBy > existing.ChangedBy
	}
	if !accept {
		return *existing, DeltaOutcome{}
	}
	return incoming, DeltaOutcome{Applied: true, Changed: existing.IsMember != incoming.IsMember}
}
