package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/developer-mesh/integration-manager/internal/models"
)

// ClientOwnerKey is the key of user-level credentials before pairing
func ClientOwnerKey(client, owner string) string {
	return fmt.Sprintf("credential-clients/%s/owners/%s", client, owner)
}

// OwnerChannelKey is the key of per-channel credentials after pairing
func OwnerChannelKey(owner, channel string) string {
	return fmt.Sprintf("credential-owners/%s/channels/%s", owner, channel)
}

const channelDevicePrefix = "channel-devices/"

// ChannelDeviceKey maps a channel to its vendor device
func ChannelDeviceKey(channel string) string {
	return channelDevicePrefix + channel
}

// ChannelStatusKey holds the adapter-defined status of a channel
func ChannelStatusKey(channel string) string {
	return "channel-status/" + channel
}

// TaskQueueKey is the list backing a named task pool
func TaskQueueKey(name string) string {
	return "task-pool/" + name
}

// CredentialEntry is a decoded credential record together with its key
type CredentialEntry struct {
	Key         string
	Owner       string
	Channel     string
	Client      string
	Credentials *models.Credentials
}

// GetCredentials returns the most specific credentials available for the
// sender: the channel record when channel is set and one exists, the
// client/owner record otherwise. The returned key is where they live.
func (s *Store) GetCredentials(ctx context.Context, client, owner, channel string) (*models.Credentials, string, error) {
	if channel != "" {
		key := OwnerChannelKey(owner, channel)
		creds, err := s.getCredentials(ctx, key)
		if err == nil {
			return creds, key, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}

	key := ClientOwnerKey(client, owner)
	creds, err := s.getCredentials(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return creds, key, nil
}

// GetCredentialsByKey reads one credential record
func (s *Store) GetCredentialsByKey(ctx context.Context, key string) (*models.Credentials, error) {
	return s.getCredentials(ctx, key)
}

func (s *Store) getCredentials(ctx context.Context, key string) (*models.Credentials, error) {
	var creds models.Credentials
	if err := s.Get(ctx, key, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SetCredentials stores credentials under the channel key when channel is
// set, under the client/owner key otherwise.
func (s *Store) SetCredentials(ctx context.Context, client, owner, channel string, creds *models.Credentials) (string, error) {
	key := ClientOwnerKey(client, owner)
	if channel != "" {
		key = OwnerChannelKey(owner, channel)
	}
	return key, s.Put(ctx, key, creds, false)
}

// PutCredentials writes credentials back under an existing key
func (s *Store) PutCredentials(ctx context.Context, key string, creds *models.Credentials) error {
	return s.Put(ctx, key, creds, false)
}

// ScanChannelCredentials lists per-channel credentials. Empty owner or
// channel match any value.
func (s *Store) ScanChannelCredentials(ctx context.Context, owner, channel string) ([]CredentialEntry, error) {
	pattern := OwnerChannelKey(globOrAny(owner), globOrAny(channel))
	entries, err := s.Scan(ctx, pattern)
	if err != nil {
		return nil, err
	}
	return s.decodeCredentialEntries(entries), nil
}

// ScanClientCredentials lists user-level credentials
func (s *Store) ScanClientCredentials(ctx context.Context) ([]CredentialEntry, error) {
	entries, err := s.Scan(ctx, ClientOwnerKey("*", "*"))
	if err != nil {
		return nil, err
	}
	return s.decodeCredentialEntries(entries), nil
}

func (s *Store) decodeCredentialEntries(entries []Entry) []CredentialEntry {
	out := make([]CredentialEntry, 0, len(entries))
	for _, e := range entries {
		var creds models.Credentials
		if err := json.Unmarshal(e.Value, &creds); err != nil {
			s.logger.Warn("Skipping undecodable credential record", map[string]interface{}{
				"key":   e.Key,
				"error": err.Error(),
			})
			continue
		}
		entry := CredentialEntry{Key: e.Key, Credentials: &creds}
		parts := strings.Split(e.Key, "/")
		if len(parts) == 4 {
			switch parts[0] {
			case "credential-owners":
				entry.Owner, entry.Channel = parts[1], parts[3]
			case "credential-clients":
				entry.Client, entry.Owner = parts[1], parts[3]
			}
		}
		out = append(out, entry)
	}
	return out
}

func globOrAny(s string) string {
	if s == "" {
		return "*"
	}
	return EscapeGlob(s)
}

// GetDeviceID returns the vendor device paired with channel. Mappings are
// cached for a minute; writes through the store invalidate them at once.
func (s *Store) GetDeviceID(ctx context.Context, channel string) (string, error) {
	if cached, ok := s.devices.Get(channel); ok && time.Since(cached.at) < deviceCacheTTL {
		return cached.device, nil
	}

	s.devicesMu.Lock()
	gen := s.devGen
	s.devicesMu.Unlock()

	var device string
	if err := s.Get(ctx, ChannelDeviceKey(channel), &device); err != nil {
		return "", err
	}

	s.devicesMu.Lock()
	if s.devGen == gen {
		s.devices.Add(channel, cachedDevice{device: device, at: time.Now()})
	}
	s.devicesMu.Unlock()
	return device, nil
}

type cachedDevice struct {
	device string
	at     time.Time
}

// forgetDevice drops the cached mapping behind key, if key is one
func (s *Store) forgetDevice(key string) {
	channel, ok := strings.CutPrefix(key, channelDevicePrefix)
	if !ok {
		return
	}
	s.devicesMu.Lock()
	s.devGen++
	s.devices.Remove(channel)
	s.devicesMu.Unlock()
}

// GetChannelID returns the channel paired with device
func (s *Store) GetChannelID(ctx context.Context, device string) (string, error) {
	key, err := s.Lookup(ctx, device)
	if err != nil {
		return "", err
	}
	channel, ok := strings.CutPrefix(key, channelDevicePrefix)
	if !ok {
		return "", ErrNotFound
	}
	return channel, nil
}

// SetChannelDevice records the channel/device pair in both directions,
// dropping a previous channel of the same device and a previous device of
// the same channel.
func (s *Store) SetChannelDevice(ctx context.Context, channel, device string) error {
	previous, err := s.GetChannelID(ctx, device)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && previous != channel {
		if err := s.Delete(ctx, ChannelDeviceKey(previous)); err != nil {
			return err
		}
	}

	var current string
	err = s.Get(ctx, ChannelDeviceKey(channel), &current)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && current != device {
		// removes index/<current> along with the mapping
		if err := s.Delete(ctx, ChannelDeviceKey(channel)); err != nil {
			return err
		}
	}
	return s.Put(ctx, ChannelDeviceKey(channel), device, true)
}

// DeleteChannelDevice forgets the device of channel
func (s *Store) DeleteChannelDevice(ctx context.Context, channel string) error {
	return s.Delete(ctx, ChannelDeviceKey(channel))
}

// GetChannelStatus returns the adapter-defined status of channel
func (s *Store) GetChannelStatus(ctx context.Context, channel string) (interface{}, error) {
	var status interface{}
	if err := s.Get(ctx, ChannelStatusKey(channel), &status); err != nil {
		return nil, err
	}
	return status, nil
}

// SetChannelStatus stores the adapter-defined status of channel
func (s *Store) SetChannelStatus(ctx context.Context, channel string, status interface{}) error {
	return s.Put(ctx, ChannelStatusKey(channel), status, false)
}
