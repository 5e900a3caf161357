package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestASMState(t *testing.T) {
	pending := []any{
		map[string]any{"isModified": false},
		map[string]any{"isModified": true},
	}
	assert.Equal(t, ASMStatePending, ASMState(pending))

	consistent := []any{map[string]any{"isModified": false}}
	assert.Equal(t, ASMStateConsistent, ASMState(consistent))

	assert.Equal(t, ASMStateConsistent, ASMState(nil))
}

func TestASMLastChange(t *testing.T) {
	policies := []any{
		map[string]any{"versionDatetime": "2020-01-02T00:00:00Z"},
		map[string]any{"versionDatetime": "2021-06-01T00:00:00Z"},
	}
	assert.Equal(t, "2021-06-01T00:00:00.000Z", ASMLastChange(policies))
}

func TestASMLastChangeEmpty(t *testing.T) {
	assert.Equal(t, "", ASMLastChange(nil))
	assert.Equal(t, "", ASMLastChange([]any{map[string]any{"versionDatetime": "not a date"}}))
}

func TestRestructureMemberReferences(t *testing.T) {
	stats := map[string]any{
		"entry1": map[string]any{
			"selfLink":   "https://localhost/mgmt/tm/ltm/pool/~Common~pool1/members/vs1:server1/stats",
			"serverside": 100.0,
		},
	}
	items := map[string]any{
		"item1": map[string]any{
			"selfLink": "https://localhost/mgmt/tm/ltm/pool/~Common~pool1/members/vs1:server1?ver=14",
			"address":  "10.0.0.1",
		},
	}

	out := RestructureMemberReferences(stats, items)
	require.Contains(t, out, "vs1:server1")

	member := out["vs1:server1"].(map[string]any)
	assert.Equal(t, "10.0.0.1", member["address"])
	assert.Equal(t, 100.0, member["serverside"])
}

func TestRestructureMemberReferencesNoItemSide(t *testing.T) {
	stats := map[string]any{
		"entry1": map[string]any{
			"selfLink": "https://localhost/members/vs2:server2/stats",
			"bitsIn":   5.0,
		},
	}
	out := RestructureMemberReferences(stats, map[string]any{})
	require.Contains(t, out, "vs2:server2")
	assert.Equal(t, 5.0, out["vs2:server2"].(map[string]any)["bitsIn"])
}

func TestThroughputPreProcess(t *testing.T) {
	data := map[string]any{
		"In": []any{
			map[string]any{"portsPackets": 1.0},
			map[string]any{"portsBits": 2.0},
		},
		"Service": map[string]any{"current": 3.0},
	}

	out := ThroughputPreProcess(data)
	assert.Contains(t, out, "In Packets")
	assert.Contains(t, out, "In Bits")
	assert.Contains(t, out, "Service")
}

func TestThroughputPostProcess(t *testing.T) {
	data := map[string]any{
		"In Packets": map[string]any{
			"Average": 1.0, "Current": "2", "Max": 3.0, "extra": 9.0,
		},
	}

	out := ThroughputPostProcess(data)
	require.Contains(t, out, "inPackets")

	values := out["inPackets"].(map[string]any)
	assert.Equal(t, 1.0, values["average"])
	assert.Equal(t, 2.0, values["current"])
	assert.Equal(t, 3.0, values["max"])
	assert.NotContains(t, values, "extra")
}

func TestThroughputPostProcessCollision(t *testing.T) {
	data := map[string]any{
		"in packets": map[string]any{"current": 1.0},
		"In Packets": map[string]any{"current": 2.0},
	}
	out := ThroughputPostProcess(data)
	assert.Len(t, out, 2)
	assert.Contains(t, out, "inPackets")
	assert.Contains(t, out, "inPackets1")
}
