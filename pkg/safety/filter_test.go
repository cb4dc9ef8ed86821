package safety

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDetectsDangerousCommands(t *testing.T) {
	filter := NewFilter(nil)

	tests := []struct {
		name     string
		text     string
		wantDesc string
	}{
		{"recursive root delete", "run rm -rf / to clean up", "Recursive delete from root directory"},
		{"disk format", "then mkfs.ext4 /dev/sda1", "Format disk/partition"},
		{"drop database", "DROP DATABASE production", "Drop database"},
		{"case insensitive sql", "drop database production", "Drop database"},
		{"terraform destroy", "terraform destroy -auto-approve", "Auto-approve Terraform destroy"},
		{"namespace wipe", "kubectl delete namespace --all", "Delete all Kubernetes namespaces"},
		{"firewall flush", "iptables -F", "Flush all iptables rules"},
		{"fork bomb", ":(){ :|:& };:", "Fork bomb pattern"},
		{"cron wipe", "crontab -r", "Remove all cron jobs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := filter.Scan(tt.text)
			require.NotEmpty(t, issues)
			descriptions := make([]string, 0, len(issues))
			for _, issue := range issues {
				descriptions = append(descriptions, issue.Description)
			}
			assert.Contains(t, descriptions, tt.wantDesc)
		})
	}
}

func TestScanIgnoresBenignText(t *testing.T) {
	filter := NewFilter(nil)

	for _, text := range []string{
		"deploy the service and check the logs",
		"rm build/output.txt",
		"kubectl get pods -n default",
		"SELECT * FROM users WHERE id = 1",
		"",
	} {
		assert.Empty(t, filter.Scan(text), "text: %s", text)
	}
}

func TestScanReportsPositionsAndLines(t *testing.T) {
	filter := NewFilter(nil)

	text := "first line\nthen rm -rf / here"
	issues := filter.Scan(text)
	require.NotEmpty(t, issues)
	assert.Equal(t, 2, issues[0].Line)
	assert.Equal(t, text[issues[0].Start:issues[0].End], issues[0].MatchedText)
}

func TestAnnotateModes(t *testing.T) {
	filter := NewFilter(nil)
	text := "please run rm -rf / now"

	t.Run("silent leaves text unchanged", func(t *testing.T) {
		assert.Equal(t, text, filter.Annotate(text, ModeSilent))
	})

	t.Run("warning appends summary", func(t *testing.T) {
		out := filter.Annotate(text, ModeWarning)
		assert.True(t, strings.HasPrefix(out, text))
		assert.Contains(t, out, "[SAFETY WARNING]")
		assert.Contains(t, out, "Recursive delete from root directory")
	})

	t.Run("block splices marker over the command", func(t *testing.T) {
		out := filter.Annotate(text, ModeBlock)
		assert.NotContains(t, out, "rm -rf /")
		assert.Contains(t, out, "[BLOCKED: Recursive delete from root directory]")
		assert.Contains(t, out, "please run ")
	})

	t.Run("block collapses overlapping matches into one marker", func(t *testing.T) {
		// "rm -rf /*" trips both the root-delete and the wildcard-delete
		// patterns over the same bytes; the splice must cover the region
		// once instead of leaving shredded command fragments behind.
		out := filter.Annotate("cleanup: rm -rf /* please", ModeBlock)
		assert.Equal(t, 1, strings.Count(out, "[BLOCKED:"))
		assert.NotContains(t, out, "rm")
		assert.NotContains(t, out, "*")
		assert.Contains(t, out, "cleanup: ")
		assert.Contains(t, out, " please")
	})

	t.Run("clean text passes through every mode", func(t *testing.T) {
		clean := "nothing scary here"
		for _, mode := range []Mode{ModeWarning, ModeBlock, ModeSilent} {
			assert.Equal(t, clean, filter.Annotate(clean, mode))
		}
	})
}

func TestAnnotateWarningSummarizesMultipleIssues(t *testing.T) {
	filter := NewFilter(nil)

	text := strings.Join([]string{
		"rm -rf /",
		"crontab -r",
		"iptables -F",
		"ufw disable",
		"DROP DATABASE prod",
		"TRUNCATE TABLE users",
	}, "\n")
	out := filter.Annotate(text, ModeWarning)

	assert.Contains(t, out, "potentially destructive commands detected")
	assert.Contains(t, out, "... and")
}

func TestNewFilterAcceptsExtraPatterns(t *testing.T) {
	filter := NewFilter(map[string]string{
		`decommission\s+cluster`: "Cluster decommission",
	})

	issues := filter.Scan("please decommission cluster blue")
	require.NotEmpty(t, issues)
	assert.Equal(t, "Cluster decommission", issues[0].Description)
}

func TestNewFilterSkipsInvalidExtraPattern(t *testing.T) {
	filter := NewFilter(map[string]string{`([unclosed`: "bad"})
	// Built-in battery still works.
	assert.NotEmpty(t, filter.Scan("rm -rf /"))
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeWarning.Valid())
	assert.True(t, ModeBlock.Valid())
	assert.True(t, ModeSilent.Valid())
	assert.False(t, Mode("paranoid").Valid())
}
