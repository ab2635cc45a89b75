package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntityID identifies a record that may not have a server id yet.
// A Local id is assigned on the device and becomes Remote exactly once,
// through Store.PromotePhoto.
type EntityID struct {
	value string
	local bool
}

// LocalID wraps a device-assigned temporary id.
func LocalID(v string) EntityID { return EntityID{value: v, local: true} }

// RemoteID wraps a server-issued id.
func RemoteID(v string) EntityID { return EntityID{value: v} }

// NewLocalPhotoID builds the deterministic temporary id of an offline photo:
// temp-<missionId>-<type>-<index>-<unixMillis>.
func NewLocalPhotoID(missionID string, t PhotoType, index int, at time.Time) EntityID {
	return LocalID(fmt.Sprintf("temp-%s-%s-%d-%d", missionID, t, index, at.UnixMilli()))
}

func (id EntityID) Value() string { return id.value }
func (id EntityID) IsLocal() bool { return id.local }
func (id EntityID) IsZero() bool  { return id.value == "" }

func (id EntityID) String() string {
	if id.local {
		return "local:" + id.value
	}
	return id.value
}

// Key is the storage key of the id. Local and remote ids never collide.
func (id EntityID) Key() string {
	if id.local {
		return "l:" + id.value
	}
	return "r:" + id.value
}

// ParseEntityKey reverses Key.
func ParseEntityKey(k string) (EntityID, error) {
	if len(k) < 2 || k[1] != ':' {
		return EntityID{}, fmt.Errorf("invalid entity key %q", k)
	}
	switch k[0] {
	case 'l':
		return LocalID(k[2:]), nil
	case 'r':
		return RemoteID(k[2:]), nil
	}
	return EntityID{}, fmt.Errorf("invalid entity key %q", k)
}

type localIDJSON struct {
	Local string `json:"local"`
}

// MarshalJSON encodes remote ids as the plain server string and local ids as
// {"local": "<temp id>"}.
func (id EntityID) MarshalJSON() ([]byte, error) {
	if id.local {
		return json.Marshal(localIDJSON{Local: id.value})
	}
	return json.Marshal(id.value)
}

func (id *EntityID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = EntityID{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RemoteID(s)
		return nil
	}
	var l localIDJSON
	if err := json.Unmarshal(b, &l); err != nil {
		return err
	}
	if l.Local == "" {
		return errors.New("entity id: empty local id")
	}
	*id = LocalID(l.Local)
	return nil
}
