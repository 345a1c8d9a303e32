package observability

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertFile struct {
	Groups []struct {
		Name  string      `yaml:"name"`
		Rules []alertRule `yaml:"rules"`
	} `yaml:"groups"`
}

var metricName = regexp.MustCompile(`qaengine_[a-z_]+`)

// runbookAnchors turns the level-2 headings of the runbook into their
// markdown anchors.
func runbookAnchors(t *testing.T) map[string]bool {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "docs", "runbook.md"))
	require.NoError(t, err)
	anchors := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		if heading, ok := strings.CutPrefix(line, "## "); ok {
			anchors[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(heading)), " ", "-")] = true
		}
	}
	return anchors
}

func TestQaEngineAlertRules(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "qa-engine.yml"))
	require.NoError(t, err)

	var file alertFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	require.Len(t, file.Groups, 1)
	require.Equal(t, "qa-engine", file.Groups[0].Name)

	want := map[string]string{
		"DeadLetteredMessages":     "warning",
		"NotificationSendFailures": "warning",
		"ReviewFinishErrors":       "critical",
	}
	rules := file.Groups[0].Rules
	require.Len(t, rules, len(want))

	anchors := runbookAnchors(t)
	exported := map[string]bool{
		"qaengine_messages_dead_lettered_total": true,
		"qaengine_jobs_failures_total":          true,
		"qaengine_http_requests_total":          true,
	}
	for _, rule := range rules {
		severity, ok := want[rule.Alert]
		require.True(t, ok, "unexpected rule %s", rule.Alert)
		require.Equal(t, severity, rule.Labels["severity"], rule.Alert)
		require.NotEmpty(t, rule.For, rule.Alert)
		require.NotEmpty(t, rule.Annotations["summary"], rule.Alert)
		require.NotEmpty(t, rule.Annotations["description"], rule.Alert)

		runbook, anchor, found := strings.Cut(rule.Annotations["runbook"], "#")
		require.True(t, found, rule.Alert)
		require.Equal(t, "docs/runbook.md", runbook)
		require.True(t, anchors[anchor], "%s points at missing runbook section %q", rule.Alert, anchor)

		names := metricName.FindAllString(rule.Expr, -1)
		require.NotEmpty(t, names, rule.Alert)
		for _, name := range names {
			require.True(t, exported[name], "%s uses unknown metric %s", rule.Alert, name)
		}
	}
}
