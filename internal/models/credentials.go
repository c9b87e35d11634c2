// Package models holds the domain types shared between the manager's
// components and vendor adapters.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Credentials is an OAuth token record kept in the credential store.
// Vendor specific fields survive a round trip through Extra.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	// ExpirationDate is absolute epoch seconds; 0 means never refresh
	ExpirationDate int64
	ClientID       string
	Extra          map[string]interface{}
}

var knownCredentialFields = map[string]struct{}{
	"access_token":    {},
	"refresh_token":   {},
	"token_type":      {},
	"expires_in":      {},
	"expiration_date": {},
	"client_id":       {},
}

// MarshalJSON flattens Extra next to the well-known fields
func (c Credentials) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.Extra)+6)
	for k, v := range c.Extra {
		if _, known := knownCredentialFields[k]; !known {
			out[k] = v
		}
	}
	out["access_token"] = c.AccessToken
	out["expiration_date"] = c.ExpirationDate
	if c.RefreshToken != "" {
		out["refresh_token"] = c.RefreshToken
	}
	if c.TokenType != "" {
		out["token_type"] = c.TokenType
	}
	if c.ExpiresIn != 0 {
		out["expires_in"] = c.ExpiresIn
	}
	if c.ClientID != "" {
		out["client_id"] = c.ClientID
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts vendor token responses as well as stored records.
// Numeric fields may arrive as JSON numbers or numeric strings.
func (c *Credentials) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var parsed Credentials
	var err error
	if parsed.AccessToken, err = stringField(raw, "access_token"); err != nil {
		return err
	}
	if parsed.RefreshToken, err = stringField(raw, "refresh_token"); err != nil {
		return err
	}
	if parsed.TokenType, err = stringField(raw, "token_type"); err != nil {
		return err
	}
	if parsed.ClientID, err = stringField(raw, "client_id"); err != nil {
		return err
	}
	if parsed.ExpiresIn, err = intField(raw, "expires_in"); err != nil {
		return err
	}
	if parsed.ExpirationDate, err = intField(raw, "expiration_date"); err != nil {
		return err
	}

	for k, v := range raw {
		if _, known := knownCredentialFields[k]; known {
			continue
		}
		var value interface{}
		if err := json.Unmarshal(v, &value); err != nil {
			return err
		}
		if parsed.Extra == nil {
			parsed.Extra = make(map[string]interface{})
		}
		parsed.Extra[k] = value
	}

	*c = parsed
	return nil
}

// Normalize fills ExpirationDate from ExpiresIn when it is not set yet.
// The result is now + expires_in - margin, or 0 when the token never expires.
func (c *Credentials) Normalize(now time.Time, margin time.Duration) {
	if c.ExpirationDate != 0 {
		return
	}
	if c.ExpiresIn <= 0 {
		c.ExpirationDate = 0
		return
	}
	c.ExpirationDate = now.Unix() + c.ExpiresIn - int64(margin/time.Second)
}

// Expired reports whether the token must be refreshed before use
func (c *Credentials) Expired(now time.Time) bool {
	return c.ExpirationDate != 0 && now.Unix() >= c.ExpirationDate
}

// DueForRefresh reports whether the token expires within before
func (c *Credentials) DueForRefresh(now time.Time, before time.Duration) bool {
	return c.ExpirationDate != 0 && now.Unix() >= c.ExpirationDate-int64(before/time.Second)
}

// Clone returns a deep enough copy for independent mutation
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	if c.Extra != nil {
		out.Extra = make(map[string]interface{}, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// ApplyRefresh copies the token fields of fresh onto c, keeping the previous
// refresh token when the vendor did not issue a new one.
func (c *Credentials) ApplyRefresh(fresh *Credentials) {
	c.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		c.RefreshToken = fresh.RefreshToken
	}
	if fresh.TokenType != "" {
		c.TokenType = fresh.TokenType
	}
	c.ExpiresIn = fresh.ExpiresIn
	c.ExpirationDate = fresh.ExpirationDate
	for k, v := range fresh.Extra {
		if c.Extra == nil {
			c.Extra = make(map[string]interface{})
		}
		c.Extra[k] = v
	}
}

func stringField(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("credentials field %s: %w", key, err)
	}
	return s, nil
}

func intField(raw map[string]json.RawMessage, key string) (int64, error) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("credentials field %s: %w", key, err)
		}
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("credentials field %s: %w", key, err)
	}
	if s == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("credentials field %s: %w", key, err)
	}
	return i, nil
}
