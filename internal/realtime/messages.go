package realtime

import (
	"time"

	"github.com/plexalabs/dynconf/internal/dynconfig"
	"github.com/plexalabs/dynconf/internal/eventbus"
)

// Server-pushed message types.
const (
	MessageInitialData  = "initial_config_data"
	MessageConfigUpdate = "config_update"
)

// Client message types handled by the websocket read loop.
const (
	ActionSubscribe   = "subscribe_config"
	ActionUnsubscribe = "unsubscribe_config"
	ActionStatus      = "get_config_status"
)

// Subscription declares a client's interest in configuration changes.
type Subscription struct {
	ConfigTypes []dynconfig.ConfigType `json:"configTypes"`
	ConfigIDs   []string               `json:"configIds,omitempty"`
	Region      string                 `json:"region,omitempty"`
	TaxType     string                 `json:"taxType,omitempty"`
}

// Matches reports whether the subscription covers the given event key.
func (s Subscription) Matches(configType dynconfig.ConfigType, configID string) bool {
	typed := false
	for _, candidate := range s.ConfigTypes {
		if candidate == configType {
			typed = true
			break
		}
	}
	if !typed {
		return false
	}
	if len(s.ConfigIDs) == 0 {
		return true
	}
	for _, candidate := range s.ConfigIDs {
		if candidate == configID {
			return true
		}
	}
	return false
}

// UnsubscribeRequest names the scopes to stop delivering.
type UnsubscribeRequest struct {
	ConfigIDs   []string               `json:"configIds,omitempty"`
	ConfigTypes []dynconfig.ConfigType `json:"configTypes,omitempty"`
}

// StatusRequest asks for one record plus a version-history slice.
type StatusRequest struct {
	ConfigType dynconfig.ConfigType `json:"configType"`
	ConfigID   string               `json:"configId"`
}

// StatusResponse answers a StatusRequest.
type StatusResponse struct {
	Success        bool                      `json:"success"`
	Config         dynconfig.ConfigRecord    `json:"config"`
	VersionHistory []dynconfig.VersionRecord `json:"versionHistory"`
	LastUpdated    time.Time                 `json:"lastUpdated"`
}

// Ack confirms a subscribe or unsubscribe.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// InitialData is the snapshot pushed right after a successful subscribe.
type InitialData struct {
	ConfigType dynconfig.ConfigType     `json:"configType"`
	Configs    []dynconfig.ConfigRecord `json:"configs"`
}

// ConfigUpdate is the pushed change notification.
type ConfigUpdate struct {
	EventType             eventbus.EventType `json:"eventType"`
	ConfigType            string             `json:"configType"`
	ConfigID              string             `json:"configId"`
	Configuration         map[string]any     `json:"configuration"`
	PreviousConfiguration map[string]any     `json:"previousConfiguration,omitempty"`
	EffectiveDate         time.Time          `json:"effectiveDate"`
	UpdatedBy             string             `json:"updatedBy"`
	Timestamp             time.Time          `json:"timestamp"`
	Metadata              map[string]any     `json:"metadata,omitempty"`
}

// Sender pushes a server message to one client. Implementations must not
// block; the websocket transport backs this with a buffered channel.
type Sender interface {
	Send(messageType string, payload any) error
}
