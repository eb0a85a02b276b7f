package telemetry

import (
	"testing"
	"time"
)

func TestPerfCollector_BasicTiming(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseSample)
		time.Sleep(100 * time.Microsecond)
		pc.StartPhase(PhaseRollout)
		time.Sleep(200 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()

	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration")
	}
	if _, ok := stats.PhaseAvg[PhaseSample]; !ok {
		t.Error("expected sample phase to be tracked")
	}
	if _, ok := stats.PhaseAvg[PhaseRollout]; !ok {
		t.Error("expected rollout phase to be tracked")
	}
}

func TestPerfCollector_RollingWindow(t *testing.T) {
	pc := NewPerfCollector(5)

	for i := 0; i < 10; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseUpdate)
		time.Sleep(10 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()
	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration after window filled")
	}
	if stats.StepsPerSecond <= 0 {
		t.Error("expected positive steps per second")
	}
}

func TestPerfCollector_PhasePercentages(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseWeights)
		time.Sleep(10 * time.Microsecond)
		pc.StartPhase(PhaseRollout)
		time.Sleep(500 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()
	fast := stats.PhasePct[PhaseWeights]
	slow := stats.PhasePct[PhaseRollout]
	if slow <= fast {
		t.Errorf("expected rollout phase (%v%%) > weights phase (%v%%)", slow, fast)
	}

	row := stats.ToCSV(3)
	if row.Step != 3 || row.RolloutPct != slow {
		t.Errorf("ToCSV = %+v", row)
	}
}

func TestPerfCollector_EmptyStats(t *testing.T) {
	pc := NewPerfCollector(10)

	stats := pc.Stats()
	if stats.AvgStepDuration != 0 {
		t.Error("expected zero avg step duration for empty collector")
	}
	if stats.PhaseAvg == nil || stats.PhasePct == nil {
		t.Error("expected non-nil phase maps")
	}
}

func TestPerfCollector_NilSafe(t *testing.T) {
	var pc *PerfCollector
	pc.StartStep()
	pc.StartPhase(PhaseSample)
	pc.EndStep()

	stats := pc.Stats()
	if stats.AvgStepDuration != 0 || stats.PhaseAvg == nil || stats.PhasePct == nil {
		t.Errorf("nil collector stats = %+v, want empty stats", stats)
	}
}
