package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/developer-mesh/integration-manager/internal/models"
)

var (
	// ErrMalformedTopic is returned for topics outside the command layout
	ErrMalformedTopic = errors.New("malformed command topic")
	// ErrMissingSender is returned for payloads without sender or on_behalf_of
	ErrMissingSender = errors.New("command payload has no sender")
	// ErrInvalidMode is returned for payloads whose io is neither r nor w
	ErrInvalidMode = errors.New("command payload has invalid io")
)

// SubscribeTopic is the wildcard filter of the commands addressed to client
func SubscribeTopic(version, topic, client string) string {
	return fmt.Sprintf("/%s/%s/%s/channels/#", version, topic, client)
}

// PublishTopic is the value topic of one channel property
func PublishTopic(version string, c models.Case) string {
	return fmt.Sprintf("/%s/channels/%s/components/%s/properties/%s/value",
		version, c.ChannelID, c.Component, c.Property)
}

// ParseCommandTopic extracts the addressed property from
// /<version>/<topic>/<client>/channels/<ch>/components/<comp>/properties/<prop>/value
func ParseCommandTopic(topic string) (models.Case, error) {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) != 10 ||
		parts[3] != "channels" ||
		parts[5] != "components" ||
		parts[7] != "properties" ||
		parts[9] != "value" {
		return models.Case{}, fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}

	c := models.Case{ChannelID: parts[4], Component: parts[6], Property: parts[8]}
	if c.ChannelID == "" || c.Component == "" || c.Property == "" {
		return models.Case{}, fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	return c, nil
}

// InboundPayload is the JSON body of a platform command
type InboundPayload struct {
	IO         models.Mode `json:"io"`
	Data       interface{} `json:"data,omitempty"`
	Sender     string      `json:"sender"`
	OnBehalfOf string      `json:"on_behalf_of"`
}

// OutboundPayload is the JSON body published towards the platform
type OutboundPayload struct {
	IO   models.IO   `json:"io"`
	Data interface{} `json:"data"`
}

// ParseCommand decodes a command message
func ParseCommand(topic string, payload []byte) (*models.Command, error) {
	c, err := ParseCommandTopic(topic)
	if err != nil {
		return nil, err
	}

	var body InboundPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode command payload: %w", err)
	}
	if !body.IO.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, body.IO)
	}
	if body.Sender == "" || body.OnBehalfOf == "" {
		return nil, ErrMissingSender
	}

	return &models.Command{
		Mode:   body.IO,
		Case:   c,
		Sender: models.Sender{ClientID: body.Sender, OwnerID: body.OnBehalfOf},
		Data:   body.Data,
	}, nil
}

// EncodeUpdate returns the topic and payload publishing u. The case must
// carry a channel id.
func EncodeUpdate(version string, u models.Update) (string, []byte, error) {
	if u.Case.ChannelID == "" {
		return "", nil, errors.New("update has no channel id")
	}
	payload, err := json.Marshal(OutboundPayload{IO: u.IO, Data: u.Data})
	if err != nil {
		return "", nil, fmt.Errorf("encode update: %w", err)
	}
	return PublishTopic(version, u.Case), payload, nil
}
