package oauthrest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/developer-mesh/integration-manager/internal/models"
)

// event is one property change pushed by the vendor
type event struct {
	DeviceID  string      `json:"device_id"`
	ChannelID string      `json:"channel_id"`
	Component string      `json:"component"`
	Property  string      `json:"property"`
	Value     interface{} `json:"value"`
	IO        models.IO   `json:"io"`
}

func (e event) Case() models.Case {
	return models.Case{
		ChannelID: e.ChannelID,
		DeviceID:  e.DeviceID,
		Component: e.Component,
		Property:  e.Property,
	}
}

// decodeEvents accepts a single event object or a list of them
func decodeEvents(data []byte) ([]event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty event payload")
	}

	var events []event
	if data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("invalid event list: %w", err)
		}
	} else {
		var e event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("invalid event: %w", err)
		}
		events = []event{e}
	}

	valid := events[:0]
	for _, e := range events {
		if (e.DeviceID == "" && e.ChannelID == "") || e.Component == "" || e.Property == "" {
			continue
		}
		if e.IO != "" && e.IO != models.IORead && e.IO != models.IOWrite {
			return nil, fmt.Errorf("invalid io %q", e.IO)
		}
		valid = append(valid, e)
	}
	return valid, nil
}
