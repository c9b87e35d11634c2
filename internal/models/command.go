package models

// Mode is the direction of a platform command
type Mode string

const (
	ModeRead  Mode = "r"
	ModeWrite Mode = "w"
)

// Valid reports whether m is r or w
func (m Mode) Valid() bool {
	return m == ModeRead || m == ModeWrite
}

// IO is the direction marker of a publish towards the platform
type IO string

const (
	IORead  IO = "ir"
	IOWrite IO = "iw"
)

// AccessProperty is the reserved property that carries access sentinels
const AccessProperty = "access"

// Sender identifies the platform party that originated a request
type Sender struct {
	ClientID string `json:"client_id"`
	OwnerID  string `json:"owner_id"`
}

// Case addresses one property of a channel
type Case struct {
	ChannelID string `json:"channel_id,omitempty"`
	Component string `json:"component"`
	Property  string `json:"property"`
	DeviceID  string `json:"device_id,omitempty"`
}

// Command is a parsed platform command
type Command struct {
	Mode   Mode
	Case   Case
	Sender Sender
	Data   interface{}
}

// Update is one publish towards the platform, the unit of the outbound queue
type Update struct {
	IO   IO          `json:"io"`
	Case Case        `json:"case"`
	Data interface{} `json:"data"`
}

// Device is one vendor device offered for pairing
type Device struct {
	ID       string `json:"id"`
	Content  string `json:"content,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// Channel is a paired platform channel
type Channel struct {
	ID string `json:"id"`
}
