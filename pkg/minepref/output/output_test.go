package output

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/gate"
	"github.com/jamesainslie/minepref/pkg/minepref/history"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleResult() *Result {
	applied := &preference.AppliedState{
		Preference: preference.Preference{"qi": 0.6, "quai": 0.4},
		AppliedAt:  testNow.Add(-5 * time.Minute),
	}
	return &Result{
		Status: &daemon.StatusFile{
			Status:           daemon.StatusRunning,
			PID:              4242,
			StartedAt:        testNow.Add(-2 * time.Hour),
			Node:             "http://127.0.0.1:9001",
			Policy:           "proportional",
			ThresholdPercent: 1,
			Applied:          applied,
			LastCycle: &daemon.CycleSummary{
				ID:        "0c7a8e51-90b4-4a55-9b37-d3a7d36f7d0e",
				Finished:  testNow.Add(-time.Minute),
				Duration:  120 * time.Millisecond,
				Outcome:   daemon.OutcomeSuppressed,
				Decision:  gate.Decision{Magnitude: 10_000, Reason: gate.ReasonWithinThreshold},
				Candidate: preference.Preference{"qi": 0.605, "quai": 0.395},
			},
			Cycles: map[daemon.Outcome]int64{
				daemon.OutcomeApplied:    1,
				daemon.OutcomeSuppressed: 11,
			},
		},
		Running: true,
		Health:  "SERVING",
		History: []history.Entry{
			{
				ID:         "20260301-115500-applied",
				Timestamp:  testNow.Add(-5 * time.Minute),
				Kind:       history.KindApplied,
				CycleID:    "0c7a8e51",
				Preference: applied.Preference,
				Magnitude:  30_000,
				Method:     "setMinerPreference",
			},
		},
		Now: testNow,
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("x", func() Formatter { return &PlainFormatter{} })

	f, err := r.Get("x")
	require.NoError(t, err)
	assert.IsType(t, &PlainFormatter{}, f)

	_, err = r.Get("nope")
	assert.Error(t, err)
	assert.Equal(t, []string{"x"}, r.Available())
}

func TestDefaultRegistry(t *testing.T) {
	assert.Equal(t, []string{"json", "plain", "pretty", "template", "yaml"}, Available())
	for _, name := range Available() {
		f, err := Get(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f, name)
	}
}

func TestResult_CurrentPreference(t *testing.T) {
	r := sampleResult()
	assert.Equal(t, r.Status.Applied, r.CurrentPreference())

	direct := &preference.AppliedState{Preference: preference.OneHot("qi")}
	r.Applied = direct
	assert.Same(t, direct, r.CurrentPreference())

	assert.Nil(t, (&Result{}).CurrentPreference())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "57.14%", percent(0.571429))
	assert.Equal(t, "1.00%", ppmPercent(10_000))
	assert.Equal(t, "0c7a8e51", shortID("0c7a8e51-90b4"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestPrettyFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&PrettyFormatter{}).Format(&buf, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "proportional")
	assert.Contains(t, out, "SERVING")
	assert.Contains(t, out, "Applied preference")
	assert.Contains(t, out, "60.00%")
	assert.Contains(t, out, "40.00%")
	assert.Contains(t, out, "suppressed")
	assert.Contains(t, out, "within-threshold")
	assert.Contains(t, out, "5 minutes ago")
	assert.Contains(t, out, "3.00%")
	assert.Contains(t, out, "11")
}

func TestPrettyFormatter_NotRunning(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&PrettyFormatter{}).Format(&buf, &Result{Now: testNow}))
	assert.Contains(t, buf.String(), "not running")
}

func TestPrettyFormatter_StaleStatus(t *testing.T) {
	r := sampleResult()
	r.Running = false

	var buf bytes.Buffer
	require.NoError(t, (&PrettyFormatter{}).Format(&buf, r))
	assert.Contains(t, buf.String(), "stale status file")
}

func TestPrettyFormatter_Warnings(t *testing.T) {
	r := sampleResult()
	r.Warnings = []string{"health check failed"}

	var buf bytes.Buffer
	require.NoError(t, (&PrettyFormatter{}).Format(&buf, r))
	assert.Contains(t, buf.String(), "Warnings:")
	assert.Contains(t, buf.String(), "health check failed")
}

func TestPlainFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&PlainFormatter{}).Format(&buf, sampleResult()))

	out := buf.String()
	assert.Regexp(t, `status +running`, out)
	assert.Contains(t, out, "weight.qi")
	assert.Contains(t, out, "0.600000")
	assert.Contains(t, out, "cycles.suppressed")
	assert.Contains(t, out, "20260301-115500-applied")
	assert.NotContains(t, out, "\x1b[")
}

func TestJSONFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Format(&buf, sampleResult()))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, true, got["running"])
	assert.Equal(t, "SERVING", got["health"])
	assert.Contains(t, got, "current")
	assert.Contains(t, got, "status")
	assert.Contains(t, got, "history")
	assert.Equal(t, "2026-03-01T12:00:00Z", got["generated_at"])

	current := got["current"].(map[string]any)
	weights := current["preference"].(map[string]any)
	assert.InDelta(t, 0.6, weights["qi"], 1e-9)
}

func TestYAMLFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&YAMLFormatter{}).Format(&buf, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "daemon:")
	assert.Contains(t, out, "status: running")
	assert.Contains(t, out, "policy: proportional")
	assert.Contains(t, out, "outcome: suppressed")
	assert.Contains(t, out, "qi: 0.6")
	assert.Contains(t, out, "suppressed: 11")
	assert.Contains(t, out, "change: 3.00%")
}

func TestYAMLFormatter_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&YAMLFormatter{}).Format(&buf, &Result{}))
	assert.Equal(t, "{}\n", buf.String())
}

func TestTemplateFormatter_Default(t *testing.T) {
	f, err := Get("template")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.Format(&buf, sampleResult()))
	assert.Equal(t, "qi\t60.00%\nquai\t40.00%\n", buf.String())
}

func TestTemplateFormatter_Funcs(t *testing.T) {
	f := NewTemplateFormatter(`{{date .Current.AppliedAt "2006-01-02"}} {{range .History}}{{ppm .Magnitude}}{{end}}`)

	var buf bytes.Buffer
	require.NoError(t, f.Format(&buf, sampleResult()))
	assert.Equal(t, "2026-03-01 3.00%", buf.String())
}

func TestTemplateFormatter_SetTemplate(t *testing.T) {
	f := NewTemplateFormatter("{{.Running}}")

	var buf bytes.Buffer
	require.NoError(t, f.Format(&buf, sampleResult()))
	assert.Equal(t, "true", buf.String())

	f.SetTemplate("{{.Health}}")
	buf.Reset()
	require.NoError(t, f.Format(&buf, sampleResult()))
	assert.Equal(t, "SERVING", buf.String())
}

func TestTemplateFormatter_ParseError(t *testing.T) {
	f := NewTemplateFormatter("{{.Nope")
	var buf bytes.Buffer
	assert.Error(t, f.Format(&buf, sampleResult()))
}
