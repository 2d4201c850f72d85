package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/config"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
	"github.com/JakeFAU/baseddata-vacuum/internal/resolve"
	"github.com/JakeFAU/baseddata-vacuum/internal/storage/memory"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

type fakeApp struct {
	status   store.RunStatus
	runErr   error
	req      ingest.RunRequest
	opts     resolve.Options
	runs     *memory.RunStore
	closed   bool
	served   bool
	resolved store.ResolutionSummary
}

func (f *fakeApp) Run(_ context.Context, req ingest.RunRequest) (orchestrator.Outcome, error) {
	f.req = req
	if f.runErr != nil {
		return orchestrator.Outcome{}, f.runErr
	}
	return orchestrator.Outcome{
		RunID:       uuid.New(),
		Mode:        req.Mode,
		Status:      f.status,
		TotalLoaded: 7,
		Duration:    2 * time.Second,
	}, nil
}

func (f *fakeApp) Resolve(_ context.Context, opts resolve.Options) (store.ResolutionSummary, error) {
	f.opts = opts
	return f.resolved, nil
}

func (f *fakeApp) Runs() store.RunRepository { return f.runs }

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// withFakeApp swaps the application factory for the duration of the test.
func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	t.Setenv("VACUUM_LOGGING_LEVEL", "error")
	prev := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return app, nil
	}
	t.Cleanup(func() { newApp = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandPrintsOutcome(t *testing.T) {
	app := &fakeApp{status: store.RunCompleted}
	withFakeApp(t, app)

	out, err := execute(t, "run", "--mode", "targeted", "--source", "sbir",
		"--agency", "NASA", "--year", "2023", "--year", "2024", "--no-resolve")
	require.NoError(t, err)
	require.True(t, app.closed)

	require.Equal(t, "targeted", app.req.Mode)
	require.Equal(t, "cli", app.req.Trigger)
	require.Equal(t, "sbir", app.req.Source)
	require.Equal(t, []string{"NASA"}, app.req.Agencies)
	require.Equal(t, []int{2023, 2024}, app.req.Years)
	require.NotNil(t, app.req.Resolve)
	require.False(t, *app.req.Resolve)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Equal(t, "completed", body["status"])
	require.InDelta(t, 7, body["total_loaded"], 0)
	require.InDelta(t, 2, body["duration_seconds"], 0.001)
}

func TestRunCommandExitCodes(t *testing.T) {
	cases := []struct {
		name   string
		status store.RunStatus
		args   []string
		code   int
	}{
		{"completed", store.RunCompleted, nil, 0},
		{"errors tolerated", store.RunCompletedWithErrors, nil, 0},
		{"errors strict", store.RunCompletedWithErrors, []string{"--strict"}, exitWithErrors},
		{"failed", store.RunFailed, nil, exitFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			withFakeApp(t, &fakeApp{status: tc.status})
			_, err := execute(t, append([]string{"run"}, tc.args...)...)
			if tc.code == 0 {
				require.NoError(t, err)
				return
			}
			var exit *exitError
			require.ErrorAs(t, err, &exit)
			require.Equal(t, tc.code, exit.code)
		})
	}
}

func TestRunCommandStartFailure(t *testing.T) {
	withFakeApp(t, &fakeApp{runErr: ingest.ErrRunInProgress})
	_, err := execute(t, "run")
	require.ErrorIs(t, err, ingest.ErrRunInProgress)

	var exit *exitError
	require.False(t, errors.As(err, &exit))
}

func TestResolveCommandDefaultsBatchSize(t *testing.T) {
	app := &fakeApp{resolved: store.ResolutionSummary{Scanned: 4, MatchedByUEI: 3}}
	withFakeApp(t, app)

	out, err := execute(t, "resolve", "--table", "grants")
	require.NoError(t, err)
	require.Equal(t, 200, app.opts.BatchSize)
	require.Equal(t, []string{"grants"}, app.opts.Tables)
	require.Contains(t, out, `"matched_by_uei": 3`)

	_, err = execute(t, "resolve", "--batch-size", "25")
	require.NoError(t, err)
	require.Equal(t, 25, app.opts.BatchSize)
}

func TestRunsCommands(t *testing.T) {
	runs := memory.NewRunStore()
	id := uuid.New()
	require.NoError(t, runs.CreateRun(context.Background(), store.Run{
		ID: id, Mode: "quick", Trigger: "cli", Status: store.RunFailed, StartedAt: time.Now(),
	}))
	withFakeApp(t, &fakeApp{runs: runs})

	out, err := execute(t, "runs", "list", "--status", "failed")
	require.NoError(t, err)
	require.Contains(t, out, id.String())

	out, err = execute(t, "runs", "list", "--status", "completed")
	require.NoError(t, err)
	require.JSONEq(t, `[]`, out)

	_, err = execute(t, "runs", "list", "--status", "exploded")
	require.Error(t, err)

	out, err = execute(t, "runs", "get", id.String())
	require.NoError(t, err)
	require.Contains(t, out, `"status": "failed"`)

	_, err = execute(t, "runs", "get", uuid.NewString())
	require.ErrorContains(t, err, "not found")

	_, err = execute(t, "runs", "get", "nope")
	require.ErrorContains(t, err, "invalid run id")
}

func TestModesCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	out, err := execute(t, "modes")
	require.NoError(t, err)
	require.False(t, app.closed, "modes must not build the app")

	var modes []orchestrator.Mode
	require.NoError(t, json.Unmarshal([]byte(out), &modes))
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, m.Name)
	}
	require.Contains(t, names, orchestrator.ModeQuick)
	require.Contains(t, names, orchestrator.ModeFull)
	require.Contains(t, names, orchestrator.ModeTargeted)
}

func TestServeCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.served)
	require.True(t, app.closed)
}

func TestMigrateRequiresDSN(t *testing.T) {
	withFakeApp(t, &fakeApp{})
	t.Setenv("VACUUM_DATABASE_DSN", "")
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "migrate", "up")
	require.ErrorContains(t, err, "database.dsn is required")
}
