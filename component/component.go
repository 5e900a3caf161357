// Package component defines the internal, id-addressed form of declaration
// objects after expansion. The config resolver produces Components; the
// reconciler keys live workers by Component ID plus a structural hash of
// the fields that matter to each worker.
package component

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/blheatwole/f5-telemetry-streaming/action"
	"github.com/blheatwole/f5-telemetry-streaming/vault"
)

// Declaration object classes.
const (
	ClassTelemetry         = "Telemetry"
	ClassControls          = "Controls"
	ClassNamespace         = "Telemetry_Namespace"
	ClassSystem            = "Telemetry_System"
	ClassSystemPoller      = "Telemetry_System_Poller"
	ClassIHealthPoller     = "Telemetry_iHealth_Poller"
	ClassEndpoints         = "Telemetry_Endpoints"
	ClassListener          = "Telemetry_Listener"
	ClassConsumer          = "Telemetry_Consumer"
	ClassPullConsumer      = "Telemetry_Pull_Consumer"
	ClassPullConsumerGroup = "Telemetry_Pull_Consumer_System_Poller_Group"
)

// DefaultNamespace scopes objects declared outside any Telemetry_Namespace.
const DefaultNamespace = "f5telemetry_default"

// DefaultListenerPort is the well-known event listener port.
const DefaultListenerPort = 6514

// ID builds a component id from its namespace and name.
func ID(namespace, name string) string {
	return namespace + "::" + name
}

// PollerID builds the id of a system-scoped poller.
func PollerID(namespace, system, poller string) string {
	return namespace + "::" + system + "::" + poller
}

// Component is the post-expansion form of a declaration object. Exactly
// one of the class-specific spec fields is non-nil, matching Class.
type Component struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Class     string `json:"class"`
	Enable    bool   `json:"enable"`

	Trace []TraceSpec `json:"trace,omitempty"`

	// SkipUpdate marks components outside the namespace being
	// reconfigured; workers keep their state for them.
	SkipUpdate bool `json:"skipUpdate,omitempty"`

	Poller       *PollerSpec       `json:"systemPoller,omitempty"`
	Listener     *ListenerSpec     `json:"eventListener,omitempty"`
	Consumer     *ConsumerSpec     `json:"consumer,omitempty"`
	PullConsumer *PullConsumerSpec `json:"pullConsumer,omitempty"`
	PollerGroup  *PollerGroupSpec  `json:"pollerGroup,omitempty"`
	Controls     *ControlsSpec     `json:"controls,omitempty"`
}

// TraceSpec is a normalized trace destination.
type TraceSpec struct {
	Enable     bool   `json:"enable"`
	Type       string `json:"type"` // "input" or "output"
	Path       string `json:"path"`
	MaxRecords int    `json:"maxRecords"`
	Encoding   string `json:"encoding"`
}

// Connection describes how to reach a device management API.
type Connection struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Protocol            string `json:"protocol"`
	AllowSelfSignedCert bool   `json:"allowSelfSignedCert"`
}

// Credentials authenticates against a device management API.
type Credentials struct {
	Username   string       `json:"username"`
	Passphrase vault.Secret `json:"passphrase,omitempty"`
}

// Endpoint is one custom path polled by an endpoint-list poller.
type Endpoint struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Enable  bool   `json:"enable"`
	Numeric bool   `json:"numericalEnums,omitempty"`
}

// DataOptions carries poller-side record shaping.
type DataOptions struct {
	Actions   []action.Spec     `json:"actions,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	NoTMStats bool              `json:"noTMStats,omitempty"`
}

// PollerSpec configures a system poller. Interval 0 marks a pull-mode
// poller fired only on demand.
type PollerSpec struct {
	Interval    int         `json:"interval"`
	Connection  Connection  `json:"connection"`
	Credentials Credentials `json:"credentials"`
	Endpoints   []Endpoint  `json:"endpointList,omitempty"`
	DataOpts    DataOptions `json:"dataOpts"`
	SystemName  string      `json:"systemName"`
	IHealth     bool        `json:"ihealth,omitempty"`
}

// PullMode reports whether the poller only runs on demand.
func (p *PollerSpec) PullMode() bool {
	return p.Interval == 0
}

// ListenerSpec configures an event listener.
type ListenerSpec struct {
	Port    int               `json:"port"`
	Match   string            `json:"match,omitempty"`
	Tag     map[string]string `json:"tag,omitempty"`
	Actions []action.Spec     `json:"actions,omitempty"`
}

// ConsumerSpec configures a push consumer. Config holds the type-specific
// settings including secret references.
type ConsumerSpec struct {
	Type    string         `json:"type"`
	Config  map[string]any `json:"config,omitempty"`
	Actions []action.Spec  `json:"actions,omitempty"`
}

// PullConsumerSpec configures a pull consumer before group synthesis.
type PullConsumerSpec struct {
	Type          string   `json:"type"`
	SystemPollers []string `json:"systemPoller"`
}

// PollerGroupSpec links a pull consumer to its fully-qualified pollers.
type PollerGroupSpec struct {
	ConsumerID string   `json:"pullConsumer"`
	PollerIDs  []string `json:"systemPollers"`
}

// ControlsSpec carries global runtime controls.
type ControlsSpec struct {
	LogLevel               string `json:"logLevel,omitempty"`
	Debug                  bool   `json:"debug,omitempty"`
	MemoryThresholdPercent int    `json:"memoryThresholdPercent,omitempty"`
}

// Hash returns a stable fingerprint of the component's relevant fields.
// Two components with equal hashes are interchangeable for a worker; the
// reconciler uses this to decide between keep, update-in-place and
// stop-then-start.
func (c *Component) Hash() string {
	// SkipUpdate is transport metadata, never part of identity.
	clone := *c
	clone.SkipUpdate = false

	encoded, err := json.Marshal(&clone)
	if err != nil {
		// Components are built from JSON-decoded declarations; this cannot
		// fail for well-formed input. Degrade to an identity string.
		return fmt.Sprintf("unhashable:%s", c.ID)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// SocketHash fingerprints only the fields whose change requires socket
// churn. Listeners whose SocketHash is unchanged keep their receiver.
func (c *Component) SocketHash() string {
	if c.Listener == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("port:%d", c.Listener.Port)))
	return hex.EncodeToString(sum[:])
}

// Mappings route producer component ids to the consumer ids they feed.
type Mappings map[string][]string

// Set is the resolver output: the flat component list plus mappings.
type Set struct {
	Components []Component `json:"components"`
	Mappings   Mappings    `json:"mappings"`
}

// ByID indexes the set's components.
func (s *Set) ByID() map[string]*Component {
	out := make(map[string]*Component, len(s.Components))
	for i := range s.Components {
		out[s.Components[i].ID] = &s.Components[i]
	}
	return out
}

// Find returns the first component with the given class and name, or nil.
func (s *Set) Find(class, namespace, name string) *Component {
	for i := range s.Components {
		c := &s.Components[i]
		if c.Class == class && c.Namespace == namespace && c.Name == name {
			return c
		}
	}
	return nil
}
