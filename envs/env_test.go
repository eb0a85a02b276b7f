package envs

import (
	"errors"
	"math"
	"testing"
)

func TestRegistry(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			env, err := Get(name)
			if err != nil {
				t.Fatalf("Get(%q): %v", name, err)
			}
			s := env.Reset(0)
			if len(s.Obs) != env.ObservationSize() {
				t.Errorf("reset obs len = %d, want %d", len(s.Obs), env.ObservationSize())
			}
			action := make([]float64, env.ActionSize())
			next := env.Step(s, action)
			if len(next.Obs) != env.ObservationSize() {
				t.Errorf("step obs len = %d, want %d", len(next.Obs), env.ObservationSize())
			}
			if math.IsNaN(next.Reward) || math.IsInf(next.Reward, 0) {
				t.Errorf("non-finite reward %v", next.Reward)
			}
		})
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Get("humanoidrun")
	if !errors.Is(err, ErrUnknownEnv) {
		t.Fatalf("err = %v, want ErrUnknownEnv", err)
	}
}

func TestStepDoesNotMutateState(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			env, _ := Get(name)
			s := env.Reset(1)
			pipe := append([]float64(nil), s.Pipeline...)
			obs := append([]float64(nil), s.Obs...)

			action := make([]float64, env.ActionSize())
			for i := range action {
				action[i] = 0.7
			}
			for i := 0; i < 5; i++ {
				env.Step(s, action)
			}

			for i := range pipe {
				if s.Pipeline[i] != pipe[i] {
					t.Fatalf("pipeline[%d] mutated", i)
				}
			}
			for i := range obs {
				if s.Obs[i] != obs[i] {
					t.Fatalf("obs[%d] mutated", i)
				}
			}
		})
	}
}

func TestTargetReward(t *testing.T) {
	env := NewTarget(2, 0.5)
	s := env.Step(env.Reset(0), []float64{0.5, 0.0})
	if math.Abs(s.Reward-(-0.25)) > 1e-12 {
		t.Errorf("reward = %v, want -0.25", s.Reward)
	}
	s = env.Step(s, []float64{0.5, 0.5})
	if s.Reward != 0 {
		t.Errorf("reward at goal = %v, want 0", s.Reward)
	}
}

func TestPointMovesTowardsAction(t *testing.T) {
	env := NewPoint()
	s := env.Reset(0)
	for i := 0; i < 10; i++ {
		s = env.Step(s, []float64{1, 1})
	}
	if s.Pipeline[0] <= 0 || s.Pipeline[1] <= 0 {
		t.Errorf("position = (%v, %v), want positive", s.Pipeline[0], s.Pipeline[1])
	}
}

func TestCar2DObstaclePenalty(t *testing.T) {
	env := NewCar2D()
	o := env.Obstacles[0]
	inside := env.reward(o.X, o.Y)
	outside := env.reward(o.X+o.R+0.01, o.Y)
	if inside >= outside {
		t.Errorf("reward inside obstacle %v should be below outside %v", inside, outside)
	}
	if env.reward(env.GoalX, env.GoalY) != 1 {
		t.Errorf("reward at goal = %v, want 1", env.reward(env.GoalX, env.GoalY))
	}
}

func TestCar2DDemo(t *testing.T) {
	env := NewCar2D()
	dp, ok := AsDemoProvider(WithSubsteps(env, 2))
	if !ok {
		t.Fatal("car2d should provide a demo through the substep wrapper")
	}

	ref := env.XRef()
	if len(ref) != carRefPoints {
		t.Fatalf("xref len = %d, want %d", len(ref), carRefPoints)
	}
	last := ref[len(ref)-1]
	if math.Abs(last[0]-env.GoalX) > 1e-9 || math.Abs(last[1]-env.GoalY) > 1e-9 {
		t.Errorf("xref ends at %v, want goal", last)
	}

	onRef := make([][]float64, len(ref))
	offRef := make([][]float64, len(ref))
	for i, p := range ref {
		onRef[i] = []float64{p[0], p[1], 1, 0, 0}
		offRef[i] = []float64{p[0] + 1, p[1], 1, 0, 0}
	}
	if got := dp.XRefLogPDF(onRef); math.Abs(got) > 1e-12 {
		t.Errorf("logpdf on reference = %v, want 0", got)
	}
	if dp.XRefLogPDF(offRef) >= dp.XRefLogPDF(onRef) {
		t.Error("off-reference rollout should score lower")
	}
	if dp.RewardXRef() <= 0 {
		t.Errorf("reference reward = %v, want positive", dp.RewardXRef())
	}

	if _, ok := AsDemoProvider(NewPoint()); ok {
		t.Error("point should not provide a demo")
	}
}

func TestCartPoleResetSeeded(t *testing.T) {
	env := NewCartPole()
	a := env.Reset(5)
	b := env.Reset(5)
	c := env.Reset(6)
	for i := range a.Pipeline {
		if a.Pipeline[i] != b.Pipeline[i] {
			t.Fatal("same seed gave different reset states")
		}
	}
	same := true
	for i := range a.Pipeline {
		if a.Pipeline[i] != c.Pipeline[i] {
			same = false
		}
	}
	if same {
		t.Error("different seeds gave identical reset states")
	}
	if math.Abs(a.Pipeline[2]-math.Pi) > 0.05 {
		t.Errorf("theta = %v, want near pi (hanging)", a.Pipeline[2])
	}
}

func TestWithSubstepsMeanReward(t *testing.T) {
	base := NewPoint()
	wrapped := WithSubsteps(base, 3)

	s0 := base.Reset(0)
	action := []float64{1, 0}

	want := 0.0
	s := s0
	for i := 0; i < 3; i++ {
		s = base.Step(s, action)
		want += s.Reward
	}
	want /= 3

	got := wrapped.Step(s0, action)
	if math.Abs(got.Reward-want) > 1e-12 {
		t.Errorf("substep reward = %v, want %v", got.Reward, want)
	}
	if got.Pipeline[0] != s.Pipeline[0] {
		t.Errorf("substep position = %v, want %v", got.Pipeline[0], s.Pipeline[0])
	}

	if WithSubsteps(base, 1) != Env(base) {
		t.Error("k=1 should return the env unchanged")
	}
}

func TestCar2DReferenceAvoidsObstacle(t *testing.T) {
	env := NewCar2D()
	o := env.Obstacles[0]
	for i, p := range env.XRef() {
		if d := math.Hypot(p[0]-o.X, p[1]-o.Y); d < o.R {
			t.Fatalf("xref point %d %v is inside the obstacle (d=%v)", i, p, d)
		}
	}
}

func TestFindPath(t *testing.T) {
	obstacles := []Obstacle{{X: 1, Y: 0, R: 0.5}}
	grid := newOccupancyGrid(-1, -2, 3, 2, 0.1, 0.1, obstacles)

	path := grid.findPath(0, 0, 2, 0)
	if path == nil {
		t.Fatal("no path found")
	}
	if path[0] != [2]float64{0, 0} || path[len(path)-1] != [2]float64{2, 0} {
		t.Errorf("path endpoints = %v, %v", path[0], path[len(path)-1])
	}
	if len(path) < 3 {
		t.Errorf("path %v goes straight through the obstacle", path)
	}
	for i := 1; i < len(path); i++ {
		if !grid.hasLineOfSight(path[i-1], path[i]) {
			t.Errorf("segment %d %v -> %v crosses a blocked cell", i, path[i-1], path[i])
		}
	}

	// Goal inside the obstacle is unreachable
	if p := grid.findPath(0, 0, 1, 0); p != nil {
		t.Errorf("expected no path into the obstacle, got %v", p)
	}
}
