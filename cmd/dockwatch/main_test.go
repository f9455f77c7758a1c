package main

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/rules"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// execute runs the root command with args and returns stdout. Logs are
// discarded.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("shown", "door_id", "D1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, "D1", entry["door_id"])

	buf.Reset()
	setupLogger(&buf, "DEBUG", "text").Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
	assert.Contains(t, buf.String(), "source=")
}

type recordingCloser struct {
	name   string
	closed *[]string
	err    error
}

func (c recordingCloser) Close() error {
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func TestCloserList_ReverseOrder(t *testing.T) {
	var (
		closed []string
		list   closerList
		boom   = stderrors.New("boom")
	)
	list.Add("first", recordingCloser{name: "first", closed: &closed})
	list.Add("nil", nil)
	list.Add("second", recordingCloser{name: "second", closed: &closed, err: boom})
	list.Add("third", recordingCloser{name: "third", closed: &closed})

	err := list.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "close second")
	if diff := cmp.Diff([]string{"third", "second", "first"}, closed); diff != "" {
		t.Errorf("close order mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, list.Close(), "second close is a no-op")
}

func TestJoinURLs(t *testing.T) {
	assert.Equal(t, "nats://a:4222,nats://b:4222", joinURLs([]string{"nats://a:4222", "nats://b:4222"}))
	assert.Equal(t, "", joinURLs(nil))
}

func TestRequireNATS(t *testing.T) {
	err := requireNATS(nil, "nats source")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats source")
}

func TestRulesKinds(t *testing.T) {
	out, err := execute(t, "rules", "kinds")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1+len(rules.DefaultFactory().Kinds()))
	assert.True(t, strings.HasPrefix(lines[0], "KIND"))
	for _, k := range rules.DefaultFactory().Kinds() {
		assert.Contains(t, out, k.Name)
	}
}

const ruleDoc = `
rules:
  - name: door
    kind: DoorSensorRule
    parameters:
      stuck_open_after: 30m
  - name: heartbeat
    kind: HeartbeatRule
    enabled: false
`

func TestRulesValidate(t *testing.T) {
	good := writeTemp(t, "rules.yaml", ruleDoc)
	out, err := execute(t, "rules", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
	assert.Contains(t, out, "2 rules, 1 enabled")

	bad := writeTemp(t, "bad.yaml", "rules: [{name: x, kind: Nope}]")
	out, err = execute(t, "rules", "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "FAIL "+bad)
}

func TestRulesAdd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")

	out, err := execute(t, "rules", "add", "--file", path,
		"--name", "door", "--kind", "DoorSensorRule", "--params", `{"stuck_open_after": "30m"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "1 rules")

	_, err = execute(t, "rules", "add", "--file", path, "--name", "beat", "--kind", "HeartbeatRule", "--disabled")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	configs, err := rules.Validate(nil, data)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "door", configs[0].Name)
	assert.False(t, configs[1].IsEnabled())

	_, err = execute(t, "rules", "add", "--file", path, "--name", "door", "--kind", "HeartbeatRule")
	require.Error(t, err, "duplicate name")

	_, err = execute(t, "rules", "add", "--file", path, "--name", "x", "--kind", "DoorSensorRule", "--params", "{")
	require.Error(t, err)

	_, err = execute(t, "rules", "add", "--file", path, "--name", "y", "--kind", "DoorSensorRule")
	require.Error(t, err, "stuck_open_after is required")
}

const replayEvents = `{"door_id":"D1","kind":"door_open","timestamp":"2024-03-01T08:00:00Z"}
{"door_id":"D2","kind":"door_open","timestamp":"2024-03-01T08:45:00Z"}
{"door_id":"D2","kind":"door_close","timestamp":"2024-03-01T08:46:00Z"}
`

func TestReplay_FiresDeferredChecksOnEventTime(t *testing.T) {
	rulesPath := writeTemp(t, "rules.yaml", ruleDoc)
	eventsPath := writeTemp(t, "events.jsonl", replayEvents)

	out, err := execute(t, "replay", eventsPath, "--rules", rulesPath, "--recheck", "10m")
	require.NoError(t, err)

	assert.Contains(t, out, "08:00:00  D1       door_open")
	assert.Contains(t, out, "idle -> door_open_no_activity")
	assert.Regexp(t, `08:30:00  D1 +ALERT door_stuck_open \(warning\) after 30m 0s dispatched`, out)
	assert.Regexp(t, `08:40:00  D1 +ALERT door_stuck_open \(warning\) after 40m 0s suppressed`, out)
	assert.NotContains(t, out, "08:50:00", "the next re-check is after the last event")

	assert.Contains(t, out, "events: 3 processed, 0 rejected")
	assert.Contains(t, out, "alerts: 1 dispatched, 1 suppressed")
	assert.Contains(t, out, "alert_history=2")
	assert.Regexp(t, `D1 +door_open_no_activity`, out)
	assert.Regexp(t, `D2 +idle`, out)
}

func TestReplay_DrainRunsLaterChecks(t *testing.T) {
	rulesPath := writeTemp(t, "rules.yaml", ruleDoc)
	eventsPath := writeTemp(t, "events.jsonl", replayEvents)

	out, err := execute(t, "replay", eventsPath, "--rules", rulesPath, "--recheck", "10m", "--window", "5m", "--drain", "20m")
	require.NoError(t, err)
	assert.Contains(t, out, "alerts: 4 dispatched, 0 suppressed")
	assert.Contains(t, out, "09:00:00  D1")
}

func TestReplay_EmptyAndMissingInput(t *testing.T) {
	rulesPath := writeTemp(t, "rules.yaml", ruleDoc)

	out, err := execute(t, "replay", writeTemp(t, "empty.jsonl", "# nothing\n"), "--rules", rulesPath)
	require.NoError(t, err)
	assert.Equal(t, "no events\n", out)

	_, err = execute(t, "replay", filepath.Join(t.TempDir(), "missing.jsonl"), "--rules", rulesPath)
	require.Error(t, err)

	_, err = execute(t, "replay", writeTemp(t, "events.jsonl", replayEvents), "--rules", filepath.Join(t.TempDir(), "none.yaml"))
	require.Error(t, err)
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockwatch.yaml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	out, err = execute(t, "config", "show", "-c", path)
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Contains(t, shown, "source")
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base.yaml")
	_, err := execute(t, "config", "init", base)
	require.NoError(t, err)
	secret := writeTemp(t, "secret.yaml", "nats:\n  password: hunter2\n")

	out, err := execute(t, "config", "show", "-c", base, "-c", secret)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"***"`)
}

func TestRun_ValidateOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockwatch.yaml")
	_, err := execute(t, "config", "init", path)
	require.NoError(t, err)

	_, err = execute(t, "run", "-c", path, "--validate")
	require.NoError(t, err)

	_, err = execute(t, "run", "-c", filepath.Join(t.TempDir(), "missing.yaml"), "--validate")
	require.Error(t, err)
}
