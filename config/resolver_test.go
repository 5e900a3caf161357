package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

func decl(t *testing.T, text string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func resolve(t *testing.T, text string) *component.Set {
	t.Helper()
	set, err := Resolve(decl(t, text), ResolveOptions{})
	require.NoError(t, err)
	return set
}

func TestResolveEmptyDeclaration(t *testing.T) {
	set := resolve(t, `{"class": "Telemetry"}`)
	assert.Empty(t, set.Components)
	assert.Empty(t, set.Mappings)
}

func TestResolveRejectsUnknownRootKey(t *testing.T) {
	_, err := Resolve(decl(t, `{"class": "Telemetry", "bogus": 5}`), ResolveOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestResolveRejectsWrongRootClass(t *testing.T) {
	_, err := Resolve(decl(t, `{"class": "Nope"}`), ResolveOptions{})
	assert.True(t, errors.IsValidationError(err))
}

func TestResolveListenerDefaults(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"My_Listener": {"class": "Telemetry_Listener"}
	}`)

	require.Len(t, set.Components, 1)
	c := set.Components[0]
	assert.Equal(t, "f5telemetry_default::My_Listener", c.ID)
	assert.Equal(t, component.ClassListener, c.Class)
	assert.True(t, c.Enable)
	assert.Equal(t, component.DefaultListenerPort, c.Listener.Port)
}

func TestResolveNamespaceFlattening(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"Default_Listener": {"class": "Telemetry_Listener"},
		"My_Namespace": {
			"class": "Telemetry_Namespace",
			"Scoped_Listener": {"class": "Telemetry_Listener", "port": 6515}
		}
	}`)

	ids := make([]string, 0, len(set.Components))
	for _, c := range set.Components {
		ids = append(ids, c.ID)
		// Namespace itself is never emitted as a component
		assert.NotEqual(t, component.ClassNamespace, c.Class)
	}
	assert.Contains(t, ids, "f5telemetry_default::Default_Listener")
	assert.Contains(t, ids, "My_Namespace::Scoped_Listener")
}

func TestResolveSystemPollerUnfolding(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"Ref_Poller": {"class": "Telemetry_System_Poller", "interval": 120},
		"My_System": {
			"class": "Telemetry_System",
			"host": "10.0.0.1",
			"systemPoller": ["Ref_Poller", {"interval": 90}, {"interval": 30}]
		}
	}`)

	byID := set.ByID()
	ref, ok := byID["f5telemetry_default::My_System::Ref_Poller"]
	require.True(t, ok)
	assert.Equal(t, 120, ref.Poller.Interval)
	assert.Equal(t, "10.0.0.1", ref.Poller.Connection.Host)
	assert.Equal(t, "My_System", ref.Poller.SystemName)

	// Inline anonymous pollers get stable position-derived names
	first, ok := byID["f5telemetry_default::My_System::SystemPoller_1"]
	require.True(t, ok)
	assert.Equal(t, 90, first.Poller.Interval)

	second, ok := byID["f5telemetry_default::My_System::SystemPoller_2"]
	require.True(t, ok)
	assert.Equal(t, 30, second.Poller.Interval)

	// A referenced standalone poller does not also materialize alone
	_, ok = byID["f5telemetry_default::Ref_Poller::Ref_Poller"]
	assert.False(t, ok)
}

func TestResolveStandalonePollerSynthesizesSystem(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"Lonely_Poller": {"class": "Telemetry_System_Poller"}
	}`)

	byID := set.ByID()
	c, ok := byID["f5telemetry_default::Lonely_Poller::Lonely_Poller"]
	require.True(t, ok)
	assert.Equal(t, "localhost", c.Poller.Connection.Host)
	assert.Equal(t, defaultPollerInterval, c.Poller.Interval)
}

func TestResolvePullConsumerGroup(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"Pull_Poller_1": {"class": "Telemetry_System_Poller", "interval": 0},
		"Pull_Poller_2": {"class": "Telemetry_System_Poller", "interval": 0},
		"Pull_Poller_3": {"class": "Telemetry_System_Poller", "interval": 0},
		"My_System": {"class": "Telemetry_System", "systemPoller": ["Pull_Poller_1"]},
		"My_System_2": {"class": "Telemetry_System", "systemPoller": ["Pull_Poller_2"]},
		"My_System_3": {"class": "Telemetry_System", "systemPoller": ["Pull_Poller_1", "Pull_Poller_2"]},
		"My_Pull_Consumer": {
			"class": "Telemetry_Pull_Consumer",
			"type": "Prometheus",
			"systemPoller": ["Pull_Poller_1", "Pull_Poller_2", "Pull_Poller_3"]
		}
	}`)

	groupID := "f5telemetry_default::Telemetry_Pull_Consumer_System_Poller_Group_My_Pull_Consumer"
	group, ok := set.ByID()[groupID]
	require.True(t, ok)
	assert.Equal(t, component.ClassPullConsumerGroup, group.Class)

	assert.Equal(t, []string{
		"f5telemetry_default::My_System::Pull_Poller_1",
		"f5telemetry_default::My_System_2::Pull_Poller_2",
		"f5telemetry_default::My_System_3::Pull_Poller_1",
		"f5telemetry_default::My_System_3::Pull_Poller_2",
		"f5telemetry_default::Pull_Poller_3::Pull_Poller_3",
	}, group.PollerGroup.PollerIDs)

	// Group maps to its pull consumer
	assert.Equal(t, []string{"f5telemetry_default::My_Pull_Consumer"}, set.Mappings[groupID])
}

func TestResolvePullConsumerRejectsIntervalPoller(t *testing.T) {
	_, err := Resolve(decl(t, `{
		"class": "Telemetry",
		"P1": {"class": "Telemetry_System_Poller", "interval": 60},
		"PC": {"class": "Telemetry_Pull_Consumer", "type": "Prometheus", "systemPoller": "P1"}
	}`), ResolveOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestResolvePullConsumerRejectsUnknownPoller(t *testing.T) {
	_, err := Resolve(decl(t, `{
		"class": "Telemetry",
		"PC": {"class": "Telemetry_Pull_Consumer", "type": "Prometheus", "systemPoller": "Ghost"}
	}`), ResolveOptions{})
	assert.True(t, errors.IsValidationError(err))
}

func TestResolvePushMappings(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"L1": {"class": "Telemetry_Listener"},
		"P_Standalone": {"class": "Telemetry_System_Poller", "interval": 60},
		"C1": {"class": "Telemetry_Consumer", "type": "default"},
		"C2": {"class": "Telemetry_Consumer", "type": "default"},
		"C_Off": {"class": "Telemetry_Consumer", "type": "default", "enable": false}
	}`)

	listenerTargets := set.Mappings["f5telemetry_default::L1"]
	assert.Equal(t, []string{
		"f5telemetry_default::C1",
		"f5telemetry_default::C2",
	}, listenerTargets)

	pollerTargets := set.Mappings["f5telemetry_default::P_Standalone::P_Standalone"]
	assert.Len(t, pollerTargets, 2)

	// Disabled consumers never appear in mappings (P1/P4)
	for _, targets := range set.Mappings {
		assert.NotContains(t, targets, "f5telemetry_default::C_Off")
	}
}

func TestResolveMappingsAreNamespaceScoped(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"L1": {"class": "Telemetry_Listener"},
		"NS": {
			"class": "Telemetry_Namespace",
			"L2": {"class": "Telemetry_Listener", "port": 6520},
			"C_NS": {"class": "Telemetry_Consumer", "type": "default"}
		}
	}`)

	// Default-namespace listener has no consumers in its namespace
	assert.NotContains(t, set.Mappings, "f5telemetry_default::L1")
	assert.Equal(t, []string{"NS::C_NS"}, set.Mappings["NS::L2"])
}

func TestResolveDisabledProducerExcludedFromMappings(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"L1": {"class": "Telemetry_Listener", "enable": false},
		"C1": {"class": "Telemetry_Consumer", "type": "default"}
	}`)
	assert.NotContains(t, set.Mappings, "f5telemetry_default::L1")
}

func TestResolveInvariantsP1P2(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"L1": {"class": "Telemetry_Listener"},
		"S1": {"class": "Telemetry_System", "systemPoller": {"interval": 60}},
		"C1": {"class": "Telemetry_Consumer", "type": "default"}
	}`)

	byID := set.ByID()

	// P2: unique ids of the right shape (checked by map construction plus
	// namespace prefix)
	for id := range byID {
		assert.Regexp(t, `^[^:]+::[^:]+(::[^:]+)?$`, id)
	}

	// P1: every mapping edge references existing, enabled components
	for producer, targets := range set.Mappings {
		p, ok := byID[producer]
		require.True(t, ok, producer)
		assert.True(t, p.Enable)
		for _, target := range targets {
			c, ok := byID[target]
			require.True(t, ok, target)
			assert.True(t, c.Enable)
		}
	}
}

func TestResolveDeterministic(t *testing.T) {
	text := `{
		"class": "Telemetry",
		"Pull_Poller_1": {"class": "Telemetry_System_Poller", "interval": 0},
		"My_System": {"class": "Telemetry_System", "systemPoller": ["Pull_Poller_1", {"interval": 60}]},
		"My_Listener": {"class": "Telemetry_Listener", "trace": true},
		"My_Consumer": {"class": "Telemetry_Consumer", "type": "default", "host": "example.com"},
		"My_Pull_Consumer": {"class": "Telemetry_Pull_Consumer", "type": "Prometheus", "systemPoller": "Pull_Poller_1"}
	}`

	first, err := Resolve(decl(t, text), ResolveOptions{})
	require.NoError(t, err)
	second, err := Resolve(decl(t, text), ResolveOptions{})
	require.NoError(t, err)

	// P3: identical declarations resolve to byte-identical output
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
}

func TestResolveTraceNormalization(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"L_On": {"class": "Telemetry_Listener", "trace": true},
		"L_Off": {"class": "Telemetry_Listener", "port": 6516, "trace": false},
		"L_Both": {"class": "Telemetry_Listener", "port": 6517, "trace": [
			{"type": "input"},
			{"type": "output", "path": "/tmp/custom.out", "maxRecords": 5}
		]}
	}`)

	byID := set.ByID()

	on := byID["f5telemetry_default::L_On"].Trace
	require.Len(t, on, 1)
	assert.True(t, on[0].Enable)
	assert.Equal(t, "output", on[0].Type)
	assert.Equal(t, "/var/tmp/telemetry/Telemetry_Listener.f5telemetry_default::L_On", on[0].Path)
	assert.Equal(t, 10, on[0].MaxRecords)
	assert.Equal(t, "utf8", on[0].Encoding)

	off := byID["f5telemetry_default::L_Off"].Trace
	require.Len(t, off, 1)
	assert.False(t, off[0].Enable)

	both := byID["f5telemetry_default::L_Both"].Trace
	require.Len(t, both, 2)
	assert.Equal(t, "input", both[0].Type)
	assert.Contains(t, both[0].Path, "INPUT.")
	assert.Equal(t, "/tmp/custom.out", both[1].Path)
	assert.Equal(t, 5, both[1].MaxRecords)
}

func TestResolveConsumerConfigSplit(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"C1": {
			"class": "Telemetry_Consumer",
			"type": "NATS",
			"host": "broker.example.com",
			"subject": "telemetry",
			"passphrase": {"cipherText": "abc=="}
		}
	}`)

	c := set.Components[0]
	assert.Equal(t, "NATS", c.Consumer.Type)
	assert.Equal(t, "broker.example.com", c.Consumer.Config["host"])
	assert.Equal(t, "telemetry", c.Consumer.Config["subject"])
	// Secret stays cipher text in the component config
	secret := c.Consumer.Config["passphrase"].(map[string]any)
	assert.Equal(t, "abc==", secret["cipherText"])
}

func TestResolveEndpointList(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"My_Endpoints": {
			"class": "Telemetry_Endpoints",
			"basePath": "/mgmt/tm",
			"items": {
				"cpu": {"path": "/sys/cpu"},
				"disabled": {"path": "/sys/off", "enable": false}
			}
		},
		"S1": {
			"class": "Telemetry_System",
			"systemPoller": {"interval": 60, "endpointList": ["My_Endpoints", {"name": "inline", "path": "/custom"}]}
		}
	}`)

	c := set.ByID()["f5telemetry_default::S1::SystemPoller_1"]
	require.NotNil(t, c)
	endpoints := c.Poller.Endpoints
	require.Len(t, endpoints, 3)

	byName := map[string]component.Endpoint{}
	for _, e := range endpoints {
		byName[e.Name] = e
	}
	assert.Equal(t, "/mgmt/tm/sys/cpu", byName["cpu"].Path)
	assert.True(t, byName["cpu"].Enable)
	assert.False(t, byName["disabled"].Enable)
	assert.Equal(t, "/custom", byName["inline"].Path)
}

func TestResolveNamespaceCollisionRejected(t *testing.T) {
	_, err := Resolve(decl(t, `{
		"class": "Telemetry",
		"f5telemetry_default": {"class": "Telemetry_Namespace"}
	}`), ResolveOptions{})
	assert.True(t, errors.IsValidationError(err))
}

func TestResolveSkipUpdateMarkers(t *testing.T) {
	set, err := Resolve(decl(t, `{
		"class": "Telemetry",
		"L1": {"class": "Telemetry_Listener"},
		"NS": {
			"class": "Telemetry_Namespace",
			"L2": {"class": "Telemetry_Listener", "port": 6520}
		}
	}`), ResolveOptions{NamespaceToUpdate: "NS"})
	require.NoError(t, err)

	byID := set.ByID()
	assert.True(t, byID["f5telemetry_default::L1"].SkipUpdate)
	assert.False(t, byID["NS::L2"].SkipUpdate)
}

func TestResolveDisabledSystemDisablesPollers(t *testing.T) {
	set := resolve(t, `{
		"class": "Telemetry",
		"S1": {"class": "Telemetry_System", "enable": false, "systemPoller": {"interval": 60}}
	}`)
	c := set.ByID()["f5telemetry_default::S1::SystemPoller_1"]
	require.NotNil(t, c)
	assert.False(t, c.Enable)
}

func TestComponentHashStability(t *testing.T) {
	build := func() component.Component {
		return component.Component{
			ID: "ns::l", Namespace: "ns", Name: "l",
			Class: component.ClassListener, Enable: true,
			Listener: &component.ListenerSpec{Port: 6514, Match: "x"},
		}
	}

	a, b := build(), build()
	assert.Equal(t, a.Hash(), b.Hash())

	// SkipUpdate never affects identity
	b.SkipUpdate = true
	assert.Equal(t, a.Hash(), b.Hash())

	// A filter change alters the full hash but not the socket hash
	b.Listener.Match = "y"
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.SocketHash(), b.SocketHash())

	// A port change alters the socket hash
	b.Listener.Port = 7000
	assert.NotEqual(t, a.SocketHash(), b.SocketHash())
}
