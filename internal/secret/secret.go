// Package secret keeps credential material out of logs and JSON, and implements the
// two-layer envelope used for mailer configuration: APP_KEY unlocks each team's
// configuration key, which in turn encrypts that team's provider credentials.
package secret

import "encoding/json"

const redacted = "[redacted]"

// Secret wraps a sensitive string. Only Release exposes the raw value.
type Secret struct {
	value string
}

func New(value string) Secret {
	return Secret{value: value}
}

func (s Secret) Release() string { return s.value }

func (s Secret) IsEmpty() bool { return s.value == "" }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}
