package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Incident is the subset of an analytics incident the harvester cares about.
// Both nested objects are optional; the API omits them freely.
type Incident struct {
	DominantAttackIP     *AttackIP     `json:"dominant_attack_ip,omitempty"`
	DominantAttackedHost *AttackedHost `json:"dominant_attacked_host,omitempty"`
}

type AttackIP struct {
	IP         string   `json:"ip"`
	Reputation []string `json:"reputation,omitempty"`
}

type AttackedHost struct {
	Value string `json:"value"`
}

// SkippedRecord describes an element of a payload that could not be decoded
// into an Incident.
type SkippedRecord struct {
	Index int
	Err   error
}

// DecodeIncidents accepts a JSON array of incidents, a single incident object,
// or an empty/null body. Elements that do not fit the Incident shape are
// reported in skipped and left out of the result.
func DecodeIncidents(payload []byte) (incidents []Incident, skipped []SkippedRecord, err error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil, nil
	}

	var raw []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, nil, fmt.Errorf("decode incident array: %w", err)
		}
	case '{':
		raw = []json.RawMessage{trimmed}
	default:
		return nil, nil, fmt.Errorf("decode incidents: unexpected payload starting with %q", trimmed[0])
	}

	incidents = make([]Incident, 0, len(raw))
	for i, element := range raw {
		var incident Incident
		if err := json.Unmarshal(element, &incident); err != nil {
			skipped = append(skipped, SkippedRecord{Index: i, Err: err})
			continue
		}
		incidents = append(incidents, incident)
	}

	return incidents, skipped, nil
}
