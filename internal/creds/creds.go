// Package creds carries the authentication material a session presents to
// the server: username/password, the response to a static challenge, a
// dynamic-challenge cookie, and the session token a server may issue in
// place of the password on later authentications.
package creds

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// secret wraps a byte slice whose contents must never end up in a log line
// or a %v dump by accident.
type secret []byte

// String never reveals the wrapped value, so a Credentials struct can be
// logged or fmt.Printf'd by mistake without leaking the password.
func (s secret) String() string {
	if len(s) == 0 {
		return ""
	}
	return "<redacted>"
}

// Credentials is the authentication material installed via ProvideCreds.
type Credentials struct {
	Username                string
	password                secret
	StaticChallengeResponse string
	DynamicChallengeCookie  *DynamicChallengeCookie
	sessionToken            secret
}

// New builds Credentials from a plain username/password pair.
func New(username, password string) Credentials {
	return Credentials{Username: username, password: secret(password)}
}

// Password returns the password to present, preferring a server-issued
// session token over the originally supplied password once one has been
// set, so a reconnect doesn't re-prompt for credentials.
func (c Credentials) Password() string {
	if len(c.sessionToken) > 0 {
		return string(c.sessionToken)
	}
	return string(c.password)
}

// SetPassword overwrites the plain password (e.g. a fresh ProvideCreds call).
func (c *Credentials) SetPassword(password string) {
	c.password = secret(password)
}

// SessionToken returns the server-issued token, or "" if none has been set.
func (c Credentials) SessionToken() string {
	return string(c.sessionToken)
}

// SetSessionToken installs a server-issued session token, which Password
// will prefer over the plain password from now on.
func (c *Credentials) SetSessionToken(token string) {
	c.sessionToken = secret(token)
}

// DynamicChallengeCookie is the server-issued challenge delivered after an
// initial auth attempt: a ":"-separated base64-encoded tuple of (flags,
// state_id, username, challenge_text).
type DynamicChallengeCookie struct {
	Echo             bool
	ResponseRequired bool
	StateID          string
	Username         string
	ChallengeText    string
}

const (
	dynamicChallengeFlagEcho             = 1 << 0
	dynamicChallengeFlagResponseRequired = 1 << 1
)

// ParseDynamicChallengeCookie decodes a "CRV1:<flags>:<state_id>:<username>:<challenge>"
// cookie as sent by the server in an AUTH_FAILED control message.
func ParseDynamicChallengeCookie(raw string) (*DynamicChallengeCookie, error) {
	const prefix = "CRV1:"
	if !strings.HasPrefix(raw, prefix) {
		return nil, fmt.Errorf("creds: not a dynamic-challenge cookie: %q", raw)
	}
	parts := strings.SplitN(raw[len(prefix):], ":", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("creds: malformed dynamic-challenge cookie: %q", raw)
	}
	flags, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("creds: bad flags in dynamic-challenge cookie: %w", err)
	}
	username, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("creds: bad username in dynamic-challenge cookie: %w", err)
	}
	challenge, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("creds: bad challenge text in dynamic-challenge cookie: %w", err)
	}
	return &DynamicChallengeCookie{
		Echo:             flags&dynamicChallengeFlagEcho != 0,
		ResponseRequired: flags&dynamicChallengeFlagResponseRequired != 0,
		StateID:          parts[1],
		Username:         string(username),
		ChallengeText:    string(challenge),
	}, nil
}

// Encode renders the cookie back to wire form, used by tests to check the
// round trip and by anything that needs to echo the cookie back.
func (c *DynamicChallengeCookie) Encode() string {
	var flags uint64
	if c.Echo {
		flags |= dynamicChallengeFlagEcho
	}
	if c.ResponseRequired {
		flags |= dynamicChallengeFlagResponseRequired
	}
	return fmt.Sprintf(
		"CRV1:%x:%s:%s:%s",
		flags,
		c.StateID,
		base64.StdEncoding.EncodeToString([]byte(c.Username)),
		base64.StdEncoding.EncodeToString([]byte(c.ChallengeText)),
	)
}
