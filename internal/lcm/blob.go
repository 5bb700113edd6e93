package lcm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// BlobVersion is the current on-disk configuration blob format version.
// A loader refuses to parse a blob whose version it doesn't recognize
// rather than guessing at a layout (spec.md §6.1).
const BlobVersion uint32 = 1

// ConfigPathEnv is the environment variable naming the configuration
// blob's path (spec.md §3: "configuration is loaded once at boot from a
// location named by an environment variable").
const ConfigPathEnv = "LCM_CONFIG_PATH"

// LoadConfigFromEnv reads ConfigPathEnv and parses the blob it names.
func LoadConfigFromEnv() (*ConfigRegistry, error) {
	path := os.Getenv(ConfigPathEnv)
	if path == "" {
		return nil, fmt.Errorf("config: %s not set", ConfigPathEnv)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return ParseConfigBlob(f)
}

// ParseConfigBlob reads the versioned, length-prefixed binary format:
//
//	uint32 version
//	uint32 main_pg_len; main_pg_len bytes main_pg_name (group driven to its
//	  Startup state at boot; may be empty)
//	uint32 group_count
//	  repeated group_count times:
//	    uint32 name_len; name_len bytes name
//	    uint32 process_count
//	      repeated process_count times:
//	        uint32 name_len; name_len bytes name
//	        uint32 path_len; path_len bytes path
//	        uint32 argv_count; repeated (uint32 len; bytes)
//	        uint32 dep_count;  repeated (uint32 len; bytes) -- dependency names
//	        uint32 uid, gid
//	        uint32 comms_type
//	        int64 startup_timeout_ms, terminate_timeout_ms
//	        int32 restart_attempts
//	    uint32 state_count
//	      repeated state_count times:
//	        uint32 name_len; name_len bytes name
//	        uint32 member_count; repeated (uint32 len; bytes) -- member process names
//
// All integers are little-endian. Grounded on internal/env's pattern of a
// small number of explicitly-named settings read once at startup,
// generalized from environment variables to a length-prefixed binary
// stream because the configuration here is structured and variably sized
// (an arbitrary number of groups/processes/dependencies), not a flat set of
// scalars — encoding/binary plus bufio is the direct, dependency-free way
// to read that shape; no ecosystem serialization library (protobuf, cbor)
// appears anywhere in the example pack for a format this small and
// internal-only, so reaching for one would add a dependency with nothing
// in the corpus grounding it.
func ParseConfigBlob(r io.Reader) (*ConfigRegistry, error) {
	br := bufio.NewReader(r)

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("config: read version: %w", err)
	}
	if version != BlobVersion {
		return nil, fmt.Errorf("config: unsupported blob version %d (want %d)", version, BlobVersion)
	}

	mainPG, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("config: read main_pg: %w", err)
	}

	var groupCount uint32
	if err := binary.Read(br, binary.LittleEndian, &groupCount); err != nil {
		return nil, fmt.Errorf("config: read group count: %w", err)
	}

	reg := NewConfigRegistry(nil)
	for i := uint32(0); i < groupCount; i++ {
		g, err := parseGroup(br)
		if err != nil {
			return nil, fmt.Errorf("config: group %d: %w", i, err)
		}
		reg.Upsert(g)
	}
	reg.SetMainPG(mainPG)

	if err := reg.ValidateDependencies(); err != nil {
		return nil, err
	}
	return reg, nil
}

func parseGroup(br *bufio.Reader) (*GroupConfig, error) {
	name, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	var procCount uint32
	if err := binary.Read(br, binary.LittleEndian, &procCount); err != nil {
		return nil, fmt.Errorf("process count: %w", err)
	}

	g := &GroupConfig{Name: name, Dependencies: make(map[string][]string), States: make(map[string][]string)}
	for i := uint32(0); i < procCount; i++ {
		cfg, deps, err := parseProcess(br)
		if err != nil {
			return nil, fmt.Errorf("process %d: %w", i, err)
		}
		g.Processes = append(g.Processes, cfg)
		g.Dependencies[cfg.Name] = deps
	}

	var stateCount uint32
	if err := binary.Read(br, binary.LittleEndian, &stateCount); err != nil {
		return nil, fmt.Errorf("state count: %w", err)
	}
	for i := uint32(0); i < stateCount; i++ {
		stateName, err := readString(br)
		if err != nil {
			return nil, fmt.Errorf("state %d: name: %w", i, err)
		}
		members, err := readStringList(br)
		if err != nil {
			return nil, fmt.Errorf("state %d: members: %w", i, err)
		}
		g.States[stateName] = members
	}
	return g, nil
}

func parseProcess(br *bufio.Reader) (*ProcessConfig, []string, error) {
	name, err := readString(br)
	if err != nil {
		return nil, nil, fmt.Errorf("name: %w", err)
	}
	path, err := readString(br)
	if err != nil {
		return nil, nil, fmt.Errorf("path: %w", err)
	}
	argv, err := readStringList(br)
	if err != nil {
		return nil, nil, fmt.Errorf("argv: %w", err)
	}
	if len(argv) > MaxArgv {
		return nil, nil, fmt.Errorf("argv exceeds MAX_ARGV (%d)", MaxArgv)
	}
	deps, err := readStringList(br)
	if err != nil {
		return nil, nil, fmt.Errorf("deps: %w", err)
	}

	var uid, gid, comms uint32
	if err := binary.Read(br, binary.LittleEndian, &uid); err != nil {
		return nil, nil, fmt.Errorf("uid: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &gid); err != nil {
		return nil, nil, fmt.Errorf("gid: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &comms); err != nil {
		return nil, nil, fmt.Errorf("comms: %w", err)
	}
	var startupMS, termMS int64
	if err := binary.Read(br, binary.LittleEndian, &startupMS); err != nil {
		return nil, nil, fmt.Errorf("startup timeout: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &termMS); err != nil {
		return nil, nil, fmt.Errorf("terminate timeout: %w", err)
	}
	var restartAttempts int32
	if err := binary.Read(br, binary.LittleEndian, &restartAttempts); err != nil {
		return nil, nil, fmt.Errorf("restart attempts: %w", err)
	}

	cfg := &ProcessConfig{
		Name:             name,
		Path:             path,
		Argv:             argv,
		UID:              uid,
		GID:              gid,
		Comms:            CommsType(comms),
		StartupTimeout:   startupMS,
		TerminateTimeout: termMS,
		RestartAttempts:  int(restartAttempts),
	}
	return cfg, deps, nil
}

func readString(br *bufio.Reader) (string, error) {
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readStringList(br *bufio.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(br)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
