package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// HallEntry is one sampled candidate action sequence and its score.
type HallEntry struct {
	Reward  float64
	Step    int // Iteration that sampled it
	T       int // Diffusion index at sampling time
	Actions *mat.Dense
}

// HallOfFame keeps the best-scoring candidates sampled during a run, sorted
// by reward descending.
type HallOfFame struct {
	mu      sync.Mutex
	hall    []HallEntry
	maxSize int
}

// NewHallOfFame creates a hall with the given capacity.
func NewHallOfFame(maxSize int) *HallOfFame {
	return &HallOfFame{
		hall:    make([]HallEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Consider offers a candidate. The actions are copied if the candidate is
// kept. Returns true if it entered the hall.
func (hof *HallOfFame) Consider(step, t int, reward float64, actions *mat.Dense) bool {
	if hof == nil || hof.maxSize <= 0 {
		return false
	}
	hof.mu.Lock()
	defer hof.mu.Unlock()

	entry := HallEntry{Reward: reward, Step: step, T: t}
	idx, ok := hof.insertIndex(entry)
	if !ok {
		return false
	}
	entry.Actions = mat.DenseCopyOf(actions)

	hof.hall = append(hof.hall, HallEntry{})
	copy(hof.hall[idx+1:], hof.hall[idx:])
	hof.hall[idx] = entry

	// Trim if over capacity
	if len(hof.hall) > hof.maxSize {
		hof.hall = hof.hall[:hof.maxSize]
	}
	return true
}

// insertIndex finds the insertion point (sorted descending by reward).
// Ties keep the earlier entry first.
func (hof *HallOfFame) insertIndex(entry HallEntry) (int, bool) {
	idx := sort.Search(len(hof.hall), func(i int) bool {
		return hof.hall[i].Reward < entry.Reward
	})
	// If hall is full and entry would be last (lowest), skip it
	if len(hof.hall) >= hof.maxSize && idx >= hof.maxSize {
		return 0, false
	}
	return idx, true
}

// Best returns the top entry, or false if the hall is empty.
func (hof *HallOfFame) Best() (HallEntry, bool) {
	if hof == nil {
		return HallEntry{}, false
	}
	hof.mu.Lock()
	defer hof.mu.Unlock()
	if len(hof.hall) == 0 {
		return HallEntry{}, false
	}
	return hof.hall[0], true
}

// Entries returns a copy of the hall in rank order.
func (hof *HallOfFame) Entries() []HallEntry {
	hof.mu.Lock()
	defer hof.mu.Unlock()
	out := make([]HallEntry, len(hof.hall))
	copy(out, hof.hall)
	return out
}

// Size returns the number of entries.
func (hof *HallOfFame) Size() int {
	hof.mu.Lock()
	defer hof.mu.Unlock()
	return len(hof.hall)
}

// hallEntryJSON is the JSON-serializable representation of a hall entry.
type hallEntryJSON struct {
	Rank    int         `json:"rank"`
	Reward  float64     `json:"reward"`
	Step    int         `json:"step"`
	T       int         `json:"t"`
	Actions [][]float64 `json:"actions"`
}

// MarshalJSON serializes the hall of fame to JSON.
func (hof *HallOfFame) MarshalJSON() ([]byte, error) {
	entries := hof.Entries()
	export := make([]hallEntryJSON, len(entries))
	for i, e := range entries {
		export[i] = hallEntryJSON{
			Rank:    i + 1,
			Reward:  e.Reward,
			Step:    e.Step,
			T:       e.T,
			Actions: rows(e.Actions),
		}
	}
	return json.MarshalIndent(export, "", "  ")
}

// LoadHallOfFameFromFile reads a hall of fame JSON file.
func LoadHallOfFameFromFile(path string) (*HallOfFame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hall of fame: %w", err)
	}

	var raw []hallEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing hall of fame JSON: %w", err)
	}

	hof := NewHallOfFame(max(len(raw), 1))
	for _, ej := range raw {
		if len(ej.Actions) == 0 {
			continue
		}
		m := mat.NewDense(len(ej.Actions), len(ej.Actions[0]), nil)
		for i, row := range ej.Actions {
			m.SetRow(i, row)
		}
		hof.Consider(ej.Step, ej.T, ej.Reward, m)
	}
	return hof, nil
}

func rows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		copy(out[i], m.RawRowView(i))
	}
	return out
}
