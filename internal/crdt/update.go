package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Update is the descriptor of one operation, recorded in the operation log
// and replayed through CRDT.Apply. Updates are immutable once registered.
type Update interface {
	// UpdateType is the name the update is registered under
	UpdateType() string
	// Particles touched by the update; nil means the whole object
	Particles() []string
}

var updateTypes = struct {
	sync.RWMutex
	ctors map[string]func() Update
}{ctors: make(map[string]func() Update)}

// RegisterUpdate makes an update type decodable by UnmarshalUpdate
func RegisterUpdate(ctor func() Update) {
	name := ctor().UpdateType()
	updateTypes.Lock()
	defer updateTypes.Unlock()
	if _, dup := updateTypes.ctors[name]; dup {
		panic(fmt.Sprintf("crdt: update type %s registered twice", name))
	}
	updateTypes.ctors[name] = ctor
}

type updateEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalUpdate encodes an update together with its type name
func MarshalUpdate(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update %s: %w", u.UpdateType(), err)
	}
	return json.Marshal(updateEnvelope{Type: u.UpdateType(), Data: data})
}

// UnmarshalUpdate decodes the form produced by MarshalUpdate
func UnmarshalUpdate(data []byte) (Update, error) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode update envelope: %w", err)
	}
	updateTypes.RLock()
	ctor, ok := updateTypes.ctors[env.Type]
	updateTypes.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown update type %q", env.Type)
	}
	u := ctor()
	if err := json.Unmarshal(env.Data, u); err != nil {
		return nil, fmt.Errorf("failed to decode update %s: %w", env.Type, err)
	}
	return u, nil
}
