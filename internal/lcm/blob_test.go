package lcm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func writeStringList(buf *bytes.Buffer, ss []string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(ss)))
	for _, s := range ss {
		writeString(buf, s)
	}
}

type testProcess struct {
	name, path        string
	argv, deps        []string
	uid, gid, comms   uint32
	startupMS, termMS int64
	restartAttempts   int32
}

func encodeBlob(t *testing.T, version uint32, mainPG string, groups map[string][]testProcess, groupDeps map[string]map[string][]string, groupStates map[string]map[string][]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, version))
	writeString(&buf, mainPG)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(groups))))

	for name, procs := range groups {
		writeString(&buf, name)
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(procs))))
		for _, p := range procs {
			writeString(&buf, p.name)
			writeString(&buf, p.path)
			writeStringList(&buf, p.argv)
			writeStringList(&buf, groupDeps[name][p.name])
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, p.uid))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, p.gid))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, p.comms))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, p.startupMS))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, p.termMS))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, p.restartAttempts))
		}

		states := groupStates[name]
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(states))))
		for stateName, members := range states {
			writeString(&buf, stateName)
			writeStringList(&buf, members)
		}
	}
	return buf.Bytes()
}

func TestParseConfigBlobRoundTrip(t *testing.T) {
	groups := map[string][]testProcess{
		"core": {
			{name: "watchdogd", path: "/sbin/watchdogd", argv: []string{"-f"}, uid: 0, gid: 0, comms: 0, startupMS: 500, termMS: 200, restartAttempts: 2},
			{name: "logmgr", path: "/sbin/logmgr", argv: nil, uid: 1, gid: 1, comms: 1, startupMS: 1000, termMS: 500},
		},
	}
	deps := map[string]map[string][]string{
		"core": {"logmgr": {"watchdogd"}},
	}
	states := map[string]map[string][]string{
		"core": {
			StateNameOff:      {},
			StateNameRecovery: {"watchdogd"},
			StateNameStartup:  {"watchdogd", "logmgr"},
		},
	}
	blob := encodeBlob(t, BlobVersion, "core", groups, deps, states)

	reg, err := ParseConfigBlob(bytes.NewReader(blob))
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
	assert.Equal(t, "core", reg.MainPG())

	g, ok := reg.Get("core")
	require.True(t, ok)
	assert.Len(t, g.Processes, 2)
	assert.Equal(t, []string{"watchdogd"}, g.Dependencies["logmgr"])
	assert.Equal(t, 2, g.Processes[0].RestartAttempts)
	assert.Equal(t, []string{}, g.States[StateNameOff])
	assert.Equal(t, []string{"watchdogd"}, g.States[StateNameRecovery])
	assert.ElementsMatch(t, []string{"watchdogd", "logmgr"}, g.States[StateNameStartup])
}

func TestParseConfigBlobRejectsUnknownVersion(t *testing.T) {
	blob := encodeBlob(t, 99, "", map[string][]testProcess{}, nil, nil)
	_, err := ParseConfigBlob(bytes.NewReader(blob))
	assert.Error(t, err)
}

func TestParseConfigBlobRejectsCyclicDependencies(t *testing.T) {
	groups := map[string][]testProcess{
		"core": {
			{name: "a"},
			{name: "b"},
		},
	}
	deps := map[string]map[string][]string{
		"core": {"a": {"b"}, "b": {"a"}},
	}
	states := map[string]map[string][]string{
		"core": {StateNameOff: {}, StateNameRecovery: {}},
	}
	blob := encodeBlob(t, BlobVersion, "", groups, deps, states)

	_, err := ParseConfigBlob(bytes.NewReader(blob))
	assert.Error(t, err)
}

func TestParseConfigBlobRejectsMissingDistinguishedStates(t *testing.T) {
	groups := map[string][]testProcess{
		"core": {{name: "a"}},
	}
	blob := encodeBlob(t, BlobVersion, "", groups, nil, nil)

	_, err := ParseConfigBlob(bytes.NewReader(blob))
	assert.Error(t, err)
}

func TestParseConfigBlobTruncatedStreamErrors(t *testing.T) {
	groups := map[string][]testProcess{"core": {{name: "a"}}}
	states := map[string]map[string][]string{
		"core": {StateNameOff: {}, StateNameRecovery: {}},
	}
	blob := encodeBlob(t, BlobVersion, "", groups, nil, states)
	_, err := ParseConfigBlob(bytes.NewReader(blob[:len(blob)-2]))
	assert.Error(t, err)
}
