package telemetry

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// SnapshotVersion is incremented when the summary format changes.
const SnapshotVersion = 1

// trajectoryMagic prefixes trajectory files.
var trajectoryMagic = [8]byte{'M', 'B', 'D', 'T', 'R', 'J', '0', '1'}

// ErrBadTrajectoryFile is returned for files that are not trajectory files
// or are internally inconsistent.
var ErrBadTrajectoryFile = errors.New("bad trajectory file")

// Snapshot summarizes a finished planning run.
type Snapshot struct {
	Version int    `json:"version"`
	Seed    uint64 `json:"seed"`
	Env     string `json:"env"`
	Planner string `json:"planner"`

	Horizon   int `json:"horizon"`
	ActionDim int `json:"action_dim"`
	Nsample   int `json:"nsample"`
	Ndiffuse  int `json:"ndiffuse"`

	InitialReward float64 `json:"initial_reward"`
	FinalReward   float64 `json:"final_reward"`
	BestSampled   float64 `json:"best_sampled_reward,omitempty"`
	Unstable      int     `json:"unstable_rollouts"`
	DurationSec   float64 `json:"duration_sec"`

	TrajectoryFile string `json:"trajectory_file"`
	FinalFile      string `json:"final_file"`
}

// SaveSnapshot writes the run summary as summary.json in dir.
// Returns the filepath where it was saved.
func SaveSnapshot(snapshot *Snapshot, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(dir, "summary.json")

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// LoadSnapshot reads a run summary from disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// SaveTrajectories writes a sequence of equally shaped [Horizon, ActionDim]
// matrices, i.e. a dense [N, Horizon, ActionDim] array. Values are stored
// bit-exact.
func SaveTrajectories(path string, trajs []*mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trajectory file: %w", err)
	}
	w := bufio.NewWriter(f)

	if err := WriteTrajectories(w, trajs); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush trajectory file: %w", err)
	}
	return f.Close()
}

// WriteTrajectories encodes trajectories to w: magic, count, then one gonum
// binary matrix per trajectory.
func WriteTrajectories(w io.Writer, trajs []*mat.Dense) error {
	if _, err := w.Write(trajectoryMagic[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(trajs))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}

	var r0, c0 int
	for i, m := range trajs {
		r, c := m.Dims()
		if i == 0 {
			r0, c0 = r, c
		} else if r != r0 || c != c0 {
			return fmt.Errorf("trajectory %d is %dx%d, want %dx%d", i, r, c, r0, c0)
		}
		if _, err := m.MarshalBinaryTo(w); err != nil {
			return fmt.Errorf("write trajectory %d: %w", i, err)
		}
	}
	return nil
}

// LoadTrajectories reads a file written by SaveTrajectories.
func LoadTrajectories(path string) ([]*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trajectory file: %w", err)
	}
	defer f.Close()
	return ReadTrajectories(bufio.NewReader(f))
}

// maxTrajectoryHint bounds the preallocation taken from a file header.
const maxTrajectoryHint = 1024

// ReadTrajectories decodes trajectories written by WriteTrajectories.
func ReadTrajectories(r io.Reader) ([]*mat.Dense, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadTrajectoryFile, err)
	}
	if magic != trajectoryMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadTrajectoryFile, magic[:])
	}

	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: reading count: %v", ErrBadTrajectoryFile, err)
	}

	// The count is untrusted until the blobs are actually read
	trajs := make([]*mat.Dense, 0, min(n, maxTrajectoryHint))
	for i := uint64(0); i < n; i++ {
		var m mat.Dense
		if _, err := m.UnmarshalBinaryFrom(r); err != nil {
			return nil, fmt.Errorf("%w: trajectory %d: %v", ErrBadTrajectoryFile, i, err)
		}
		trajs = append(trajs, &m)
	}
	return trajs, nil
}
