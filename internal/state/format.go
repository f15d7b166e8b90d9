package state

import (
	"bytes"
	_ "crypto/sha256" // registers digest.SHA256
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"

	"github.com/schaermu/treesync/internal/snapshot"
)

const magic = "treesync-state"

var (
	// ErrCorruptState is returned when a persisted state fails its checksum
	// or cannot be decoded
	ErrCorruptState = errors.New("corrupt state")
	// ErrUnsupportedVersion is returned for state written by a newer format
	ErrUnsupportedVersion = errors.New("unsupported state version")
)

// SupportedVersion is the newest persisted format this build can read
var SupportedVersion = semver.MustParse(snapshot.FormatVersion)

type payload struct {
	Meta    snapshot.Meta         `json:"meta"`
	Records []snapshot.FileRecord `json:"records"`
}

// Encode serialises snap into the framed state format:
//
//	treesync-state <version>
//	<digest of the first line and the payload>
//	<json payload>
func Encode(snap *snapshot.Snapshot) ([]byte, error) {
	body, err := json.Marshal(payload{Meta: snap.Meta(), Records: snap.Records()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	header := fmt.Sprintf("%s %s\n", magic, snap.Meta().Version)

	digester := digest.Canonical.Digester()
	_, _ = digester.Hash().Write([]byte(header))
	_, _ = digester.Hash().Write(body)

	var buf bytes.Buffer
	buf.Grow(len(header) + len(body) + 80)
	buf.WriteString(header)
	buf.WriteString(digester.Digest().String())
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses and verifies a persisted state. It either returns a fully
// valid snapshot or an error wrapping ErrCorruptState or
// ErrUnsupportedVersion.
func Decode(data []byte) (*snapshot.Snapshot, error) {
	headerEnd := bytes.IndexByte(data, '\n')
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptState)
	}
	header := data[:headerEnd+1]
	rest := data[headerEnd+1:]

	sumEnd := bytes.IndexByte(rest, '\n')
	if sumEnd < 0 {
		return nil, fmt.Errorf("%w: missing checksum", ErrCorruptState)
	}
	body := rest[sumEnd+1:]

	checksum, err := digest.Parse(string(rest[:sumEnd]))
	if err != nil {
		// a newer writer may checksum with an algorithm this build lacks
		if errors.Is(err, digest.ErrDigestUnsupported) {
			if version, verr := parseHeader(header); verr == nil && version.GreaterThan(SupportedVersion) {
				return nil, fmt.Errorf("%w: %s is newer than %s", ErrUnsupportedVersion, version, SupportedVersion)
			}
		}
		return nil, fmt.Errorf("%w: invalid checksum: %v", ErrCorruptState, err)
	}
	verifier := checksum.Verifier()
	_, _ = verifier.Write(header)
	_, _ = verifier.Write(body)
	if !verifier.Verified() {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptState)
	}

	version, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	if version.GreaterThan(SupportedVersion) {
		return nil, fmt.Errorf("%w: %s is newer than %s", ErrUnsupportedVersion, version, SupportedVersion)
	}

	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if p.Meta.Version != version.Original() {
		return nil, fmt.Errorf("%w: header version %s does not match payload version %s",
			ErrCorruptState, version.Original(), p.Meta.Version)
	}
	if p.Meta.Label != snapshot.LabelReference {
		return nil, fmt.Errorf("%w: stored snapshot is labelled %q", ErrCorruptState, p.Meta.Label)
	}

	snap, err := snapshot.Restore(p.Meta, p.Records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return snap, nil
}

// parseHeader reads the format version from the first line
func parseHeader(header []byte) (*semver.Version, error) {
	fields := strings.Fields(string(header))
	if len(fields) != 2 || fields[0] != magic {
		return nil, fmt.Errorf("%w: not a treesync state file", ErrCorruptState)
	}
	version, err := semver.StrictNewVersion(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version %q", ErrCorruptState, fields[1])
	}
	return version, nil
}
