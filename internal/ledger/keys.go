package ledger

import (
	"encoding/json"
	"fmt"
)

type KeyKind string

const (
	KindText    KeyKind = "text"
	KindAccount KeyKind = "account"
	KindFile    KeyKind = "file"
)

// Key is a delivered code. The set of implementations is closed: TextKey,
// AccountKey and FileKey.
type Key interface {
	Kind() KeyKind
	KeyID() string
	// Value is the string handed to the buyer.
	Value() string
	isKey()
}

type TextKey struct {
	ID   string
	Code string
}

type AccountKey struct {
	ID       string
	Username string
	Password string
}

type FileKey struct {
	ID       string
	Filename string
	URL      string
}

func (k TextKey) Kind() KeyKind { return KindText }
func (k TextKey) KeyID() string { return k.ID }
func (k TextKey) Value() string { return k.Code }
func (TextKey) isKey()          {}

func (k AccountKey) Kind() KeyKind { return KindAccount }
func (k AccountKey) KeyID() string { return k.ID }
func (k AccountKey) Value() string { return k.Username + ":" + k.Password }
func (AccountKey) isKey()          {}

func (k FileKey) Kind() KeyKind { return KindFile }
func (k FileKey) KeyID() string { return k.ID }
func (k FileKey) Value() string { return k.URL }
func (FileKey) isKey()          {}

type keyEnvelope struct {
	Kind     KeyKind `json:"kind"`
	ID       string  `json:"id,omitempty"`
	Code     string  `json:"code,omitempty"`
	Username string  `json:"username,omitempty"`
	Password string  `json:"password,omitempty"`
	Filename string  `json:"filename,omitempty"`
	URL      string  `json:"url,omitempty"`
}

// EncodeKeys serializes keys for the order_items.codes column.
func EncodeKeys(keys []Key) (string, error) {
	envs := make([]keyEnvelope, 0, len(keys))
	for _, k := range keys {
		switch v := k.(type) {
		case TextKey:
			envs = append(envs, keyEnvelope{Kind: KindText, ID: v.ID, Code: v.Code})
		case AccountKey:
			envs = append(envs, keyEnvelope{Kind: KindAccount, ID: v.ID, Username: v.Username, Password: v.Password})
		case FileKey:
			envs = append(envs, keyEnvelope{Kind: KindFile, ID: v.ID, Filename: v.Filename, URL: v.URL})
		default:
			return "", fmt.Errorf("%w: %T", ErrUnknownKeyKind, k)
		}
	}

	raw, err := json.Marshal(envs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeKeys(raw string) ([]Key, error) {
	var envs []keyEnvelope
	if err := json.Unmarshal([]byte(raw), &envs); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}

	keys := make([]Key, 0, len(envs))
	for _, e := range envs {
		switch e.Kind {
		case KindText:
			keys = append(keys, TextKey{ID: e.ID, Code: e.Code})
		case KindAccount:
			keys = append(keys, AccountKey{ID: e.ID, Username: e.Username, Password: e.Password})
		case KindFile:
			keys = append(keys, FileKey{ID: e.ID, Filename: e.Filename, URL: e.URL})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownKeyKind, e.Kind)
		}
	}
	return keys, nil
}

// Values returns the buyer-facing string of every key.
func Values(keys []Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Value())
	}
	return out
}
