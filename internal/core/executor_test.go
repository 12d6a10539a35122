package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func succeed(out string) Handler {
	return HandlerFunc(func(_ context.Context, _ StepInput) (ExitInfo, error) {
		return ExitInfo{Output: out}, nil
	})
}

func failWith(msg string) Handler {
	return HandlerFunc(func(_ context.Context, _ StepInput) (ExitInfo, error) {
		return ExitInfo{Code: 1, Message: msg}, errors.New(msg)
	})
}

func sleeper(d time.Duration) Handler {
	return HandlerFunc(func(_ context.Context, _ StepInput) (ExitInfo, error) {
		time.Sleep(d)
		return ExitInfo{}, nil
	})
}

func dur(d time.Duration) *time.Duration { return &d }

func testPipeline(t *testing.T, steps ...Step) *Pipeline {
	t.Helper()
	p, err := NewPipeline("ci", MustTrigger([]EventKind{EventPullRequestOpened}, ""), steps)
	require.NoError(t, err)
	return p
}

func ciRegistry(t *testing.T, coverage Handler) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("checkout", succeed("cloned")))
	require.NoError(t, reg.Register("toolchain", succeed("installed")))
	require.NoError(t, reg.Register("coverage", coverage))
	require.NoError(t, reg.Register("upload", succeed("uploaded")))
	return reg
}

func ciSteps() []Step {
	return []Step{
		NewStep("checkout", "checkout", nil, nil),
		NewStep("install", "toolchain", map[string]any{"toolchain": "stable"}, nil),
		NewStep("coverage", "coverage", map[string]any{"args": "--timeout 1500"}, dur(25*time.Minute)),
		NewStep("upload", "upload", nil, nil),
	}
}

func statuses(rec *RunRecord) []Status {
	out := make([]Status, len(rec.Results))
	for i, r := range rec.Results {
		out[i] = r.Status
	}
	return out
}

func TestExecutor_AllStepsSucceed(t *testing.T) {
	exec := NewExecutor(ciRegistry(t, succeed("85%")))
	p := testPipeline(t, ciSteps()...)

	rec := exec.Run(context.Background(), p, NewEvent(EventPullRequestOpened, nil))

	assert.True(t, rec.Succeeded())
	assert.Equal(t, p.Len(), len(rec.Results))
	for _, r := range rec.Results {
		assert.Equal(t, StatusSucceeded, r.Status, r.StepName)
	}
	assert.Empty(t, rec.Skipped)
	assert.NoError(t, rec.Err())
}

func TestExecutor_CoverageFailureSkipsUpload(t *testing.T) {
	uploads := 0
	reg := NewRegistry()
	reg.MustRegister("checkout", succeed(""))
	reg.MustRegister("toolchain", succeed(""))
	reg.MustRegister("coverage", failWith("threshold not met"))
	reg.MustRegister("upload", HandlerFunc(func(context.Context, StepInput) (ExitInfo, error) {
		uploads++
		return ExitInfo{}, nil
	}))

	rec := NewExecutor(reg).Run(context.Background(), testPipeline(t, ciSteps()...), NewEvent(EventPullRequestOpened, nil))

	assert.Equal(t, []Status{StatusSucceeded, StatusSucceeded, StatusFailed}, statuses(rec))
	assert.Equal(t, "threshold not met", rec.Results[2].ExitInfo.Message)
	assert.Equal(t, []string{"upload"}, rec.Skipped)
	assert.Equal(t, 0, uploads)
	assert.Equal(t, StatusFailed, rec.Status)

	var sf *StepFailure
	require.ErrorAs(t, rec.Err(), &sf)
	assert.Equal(t, "coverage", sf.Step)
	assert.False(t, sf.TimedOut())
}

func TestExecutor_FailureAtEveryPosition(t *testing.T) {
	const n = 5
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			reg := NewRegistry()
			reg.MustRegister("ok", succeed(""))
			reg.MustRegister("bad", failWith("boom"))

			steps := make([]Step, n)
			for i := range steps {
				h := "ok"
				if i == k-1 {
					h = "bad"
				}
				steps[i] = NewStep(fmt.Sprintf("s%d", i+1), h, nil, nil)
			}

			rec := NewExecutor(reg).Run(context.Background(), testPipeline(t, steps...), Event{Kind: EventPullRequestOpened})
			require.Len(t, rec.Results, k)
			assert.Equal(t, StatusFailed, rec.Results[k-1].Status)
			assert.Len(t, rec.Skipped, n-k)
			assert.False(t, rec.Succeeded())
		})
	}
}

func TestExecutor_ZeroTimeoutTimesOut(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("checkout", sleeper(time.Second))

	start := time.Now()
	rec := NewExecutor(reg).Run(context.Background(),
		testPipeline(t, NewStep("checkout", "checkout", nil, dur(0))),
		Event{Kind: EventPullRequestOpened})

	require.Len(t, rec.Results, 1)
	assert.Equal(t, StatusTimedOut, rec.Results[0].Status)
	assert.Less(t, time.Since(start), time.Second, "executor must not wait for a handler past its deadline")

	var sf *StepFailure
	require.ErrorAs(t, rec.Err(), &sf)
	assert.True(t, sf.TimedOut())
}

func TestExecutor_TimeoutHonouredByHandler(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("wait", HandlerFunc(func(ctx context.Context, _ StepInput) (ExitInfo, error) {
		<-ctx.Done()
		return ExitInfo{Code: 124, Message: "killed"}, ctx.Err()
	}))
	reg.MustRegister("ok", succeed(""))

	rec := NewExecutor(reg).Run(context.Background(),
		testPipeline(t,
			NewStep("wait", "wait", nil, dur(20*time.Millisecond)),
			NewStep("after", "ok", nil, nil)),
		Event{Kind: EventPullRequestOpened})

	assert.Equal(t, []Status{StatusTimedOut}, statuses(rec))
	assert.Equal(t, 124, rec.Results[0].ExitInfo.Code)
	assert.Equal(t, []string{"after"}, rec.Skipped)
}

func TestExecutor_LateSuccessIsTimedOut(t *testing.T) {
	reg := NewRegistry()
	// Ignores ctx and returns nil inside the abandon grace window.
	reg.MustRegister("slow", sleeper(50*time.Millisecond))
	reg.MustRegister("ok", succeed(""))

	rec := NewExecutor(reg).Run(context.Background(),
		testPipeline(t,
			NewStep("slow", "slow", nil, dur(10*time.Millisecond)),
			NewStep("after", "ok", nil, nil)),
		Event{Kind: EventPullRequestOpened})

	require.Len(t, rec.Results, 1)
	assert.Equal(t, StatusTimedOut, rec.Results[0].Status)
	assert.Contains(t, rec.Results[0].ExitInfo.Message, "exceeded timeout")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, []string{"after"}, rec.Skipped)
}

func TestExecutor_DeadlineErrorTurnedIntoWarningIsTimedOut(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("soft", HandlerFunc(func(ctx context.Context, _ StepInput) (ExitInfo, error) {
		<-ctx.Done()
		return ExitInfo{Message: "upload failed: " + ctx.Err().Error()}, nil
	}))

	rec := NewExecutor(reg).Run(context.Background(),
		testPipeline(t, NewStep("upload", "soft", nil, dur(20*time.Millisecond))),
		Event{Kind: EventPullRequestOpened})

	require.Len(t, rec.Results, 1)
	assert.Equal(t, StatusTimedOut, rec.Results[0].Status)
	assert.Equal(t, -1, rec.Results[0].ExitInfo.Code)
	assert.Contains(t, rec.Results[0].ExitInfo.Message, "deadline exceeded")
}

func TestExecutor_UnknownHandlerAborts(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("ok", succeed(""))

	rec := NewExecutor(reg).Run(context.Background(),
		testPipeline(t,
			NewStep("first", "ok", nil, nil),
			NewStep("second", "missing", nil, nil),
			NewStep("third", "ok", nil, nil)),
		Event{Kind: EventPullRequestOpened})

	assert.Equal(t, []Status{StatusSucceeded, StatusFailed}, statuses(rec))
	assert.Contains(t, rec.Results[1].ExitInfo.Message, `unknown handler "missing"`)
	assert.Equal(t, []string{"third"}, rec.Skipped)
}

func TestExecutor_HandlerPanicIsFailure(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("panic", HandlerFunc(func(context.Context, StepInput) (ExitInfo, error) {
		panic("kaboom")
	}))

	rec := NewExecutor(reg).Run(context.Background(),
		testPipeline(t, NewStep("p", "panic", nil, nil)), Event{Kind: EventPullRequestOpened})

	require.Len(t, rec.Results, 1)
	assert.Equal(t, StatusFailed, rec.Results[0].Status)
	assert.Contains(t, rec.Results[0].ExitInfo.Message, "kaboom")
}

func TestExecutor_PassesConfigAndEvent(t *testing.T) {
	var got StepInput
	reg := NewRegistry()
	reg.MustRegister("capture", HandlerFunc(func(_ context.Context, in StepInput) (ExitInfo, error) {
		got = in
		in.Config["mutated"] = true
		return ExitInfo{}, nil
	}))

	cfg := map[string]any{"toolchain": "nightly", "nested": map[string]any{"a": 1}}
	p := testPipeline(t, NewStep("install", "capture", cfg, nil))
	ev := NewEvent(EventPullRequestOpened, map[string]any{"number": 7})

	rec := NewExecutor(reg, WithIDGenerator(func() string { return "run-1" })).Run(context.Background(), p, ev)

	require.True(t, rec.Succeeded())
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "ci", got.Pipeline)
	assert.Equal(t, "install", got.Step)
	assert.Equal(t, "nightly", got.Config["toolchain"])
	assert.Equal(t, "7", got.Event.Meta("number"))
	_, mutated := p.Step(0).Config()["mutated"]
	assert.False(t, mutated, "handler must not be able to mutate the step descriptor")
}

func TestExecutor_DeterministicRunsAreIdentical(t *testing.T) {
	reg := ciRegistry(t, succeed("coverage 81%"))
	p := testPipeline(t, ciSteps()...)
	ev := NewEvent(EventPullRequestOpened, map[string]any{"head_sha": "abc"})

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exec := NewExecutor(reg,
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string { return "run" }))

	first := exec.Run(context.Background(), p, ev)
	second := exec.Run(context.Background(), p, ev)
	assert.Equal(t, first, second)
}

func TestExecutor_ConcurrentRunsDoNotInterfere(t *testing.T) {
	const runs = 32
	reg := NewRegistry()

	var mu sync.Mutex
	order := make(map[string][]string)
	var active atomic.Int32
	reg.MustRegister("record", HandlerFunc(func(_ context.Context, in StepInput) (ExitInfo, error) {
		if active.Add(1) > runs {
			t.Errorf("more steps in flight than runs")
		}
		defer active.Add(-1)
		time.Sleep(time.Millisecond)
		mu.Lock()
		order[in.RunID] = append(order[in.RunID], in.Step)
		mu.Unlock()
		return ExitInfo{Output: in.RunID}, nil
	}))

	exec := NewExecutor(reg)
	pipelines := make([]*Pipeline, runs)
	for i := range pipelines {
		p, err := NewPipeline(fmt.Sprintf("p%d", i), MustTrigger(nil, ""), []Step{
			NewStep("a", "record", nil, nil),
			NewStep("b", "record", nil, nil),
			NewStep("c", "record", nil, nil),
		})
		require.NoError(t, err)
		pipelines[i] = p
	}

	records := make([]*RunRecord, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i] = exec.Run(context.Background(), pipelines[i], Event{Kind: EventPush})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, rec := range records {
		require.True(t, rec.Succeeded())
		assert.Equal(t, fmt.Sprintf("p%d", i), rec.Pipeline)
		assert.False(t, seen[rec.ID], "run ids must be unique")
		seen[rec.ID] = true
		assert.Equal(t, []string{"a", "b", "c"}, order[rec.ID])
		for _, r := range rec.Results {
			assert.Equal(t, rec.ID, r.ExitInfo.Output)
		}
	}
}

func TestExecutor_CancelledRunSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	reg.MustRegister("cancel", HandlerFunc(func(context.Context, StepInput) (ExitInfo, error) {
		cancel()
		return ExitInfo{}, nil
	}))
	reg.MustRegister("ok", succeed(""))

	rec := NewExecutor(reg).Run(ctx,
		testPipeline(t, NewStep("first", "cancel", nil, nil), NewStep("second", "ok", nil, nil)),
		Event{Kind: EventPullRequestOpened})

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, []Status{StatusSucceeded}, statuses(rec))
	assert.Equal(t, []string{"second"}, rec.Skipped)
	assert.Contains(t, rec.Err().Error(), "run cancelled")
}

type memLogs struct {
	mu   sync.Mutex
	logs map[string]string
}

func (m *memLogs) SaveLog(runID string, index int, step, output string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := fmt.Sprintf("%s/%d-%s.log", runID, index, step)
	m.logs[path] = output
	return path, nil
}

func TestExecutor_SavesLogsAndTruncatesOutput(t *testing.T) {
	logs := &memLogs{logs: map[string]string{}}
	long := strings.Repeat("x", 100) + "END"
	reg := NewRegistry()
	reg.MustRegister("noisy", succeed(long))

	rec := NewExecutor(reg, WithLogStore(logs), WithOutputLimit(10), WithIDGenerator(func() string { return "r" })).
		Run(context.Background(), testPipeline(t, NewStep("build", "noisy", nil, nil)), Event{Kind: EventPullRequestOpened})

	require.Len(t, rec.Results, 1)
	info := rec.Results[0].ExitInfo
	assert.Equal(t, "r/0-build.log", info.LogPath)
	assert.Equal(t, long, logs.logs["r/0-build.log"])
	assert.True(t, strings.HasSuffix(info.Output, "END"))
	assert.LessOrEqual(t, len(info.Output), 13)
}

func TestExecutor_LookalikeStepNamesGetSeparateLogs(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry()
	reg.MustRegister("echo", HandlerFunc(func(_ context.Context, in StepInput) (ExitInfo, error) {
		return ExitInfo{Output: "output of " + in.Step}, nil
	}))

	rec := NewExecutor(reg, WithLogStore(diskLogs{root})).Run(context.Background(),
		testPipeline(t, NewStep("run tests", "echo", nil, nil), NewStep("run_tests", "echo", nil, nil)),
		Event{Kind: EventPullRequestOpened})

	require.Len(t, rec.Results, 2)
	first, second := rec.Results[0].ExitInfo.LogPath, rec.Results[1].ExitInfo.LogPath
	require.NotEqual(t, first, second)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "output of run tests", string(data))
}

// diskLogs mirrors storage.LogStorage's naming without importing it.
type diskLogs struct{ root string }

func (d diskLogs) SaveLog(runID string, index int, step, output string) (string, error) {
	dir := filepath.Join(d.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%02d-%s.log", index, strings.ReplaceAll(step, " ", "_")))
	return path, os.WriteFile(path, []byte(output), 0o644)
}

func TestExecutor_WorkspacePerRun(t *testing.T) {
	root := t.TempDir()
	var dirs []string
	reg := NewRegistry()
	reg.MustRegister("pwd", HandlerFunc(func(_ context.Context, in StepInput) (ExitInfo, error) {
		dirs = append(dirs, in.Workspace)
		return ExitInfo{}, nil
	}))

	exec := NewExecutor(reg, WithWorkspaceRoot(root, false))
	p := testPipeline(t, NewStep("a", "pwd", nil, nil), NewStep("b", "pwd", nil, nil))
	rec := exec.Run(context.Background(), p, Event{Kind: EventPullRequestOpened})

	require.True(t, rec.Succeeded())
	require.Len(t, dirs, 2)
	assert.Equal(t, dirs[0], dirs[1])
	assert.Contains(t, dirs[0], rec.ID)
	assert.NoDirExists(t, dirs[0])
}

type captureReporter struct {
	mu     sync.Mutex
	events []RunEvent
}

func (c *captureReporter) Report(ev RunEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureReporter) types() []RunEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RunEventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestExecutor_ReportsLifecycle(t *testing.T) {
	rep := &captureReporter{}
	reg := NewRegistry()
	reg.MustRegister("ok", succeed(""))
	reg.MustRegister("bad", failWith("nope"))

	NewExecutor(reg, WithReporter(rep)).Run(context.Background(),
		testPipeline(t,
			NewStep("a", "ok", nil, nil),
			NewStep("b", "bad", nil, nil),
			NewStep("c", "ok", nil, nil)),
		Event{Kind: EventPullRequestOpened})

	assert.Equal(t, []RunEventType{
		RunStarted,
		StepStarted, StepFinished,
		StepStarted, StepFinished,
		StepSkipped,
		TerminateWithFailure,
		RunFinished,
	}, rep.types())
}
