// Package safety scans model output for destructive shell, database, and
// cloud commands and annotates it before it reaches the caller. It never
// touches inbound payloads; redaction owns those.
package safety

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Mode selects what Annotate does with findings.
type Mode string

const (
	// ModeWarning appends a safety warning to the output.
	ModeWarning Mode = "warning"
	// ModeBlock replaces each dangerous command with a blocked marker.
	ModeBlock Mode = "block"
	// ModeSilent scans but leaves the output unchanged.
	ModeSilent Mode = "silent"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeWarning, ModeBlock, ModeSilent:
		return true
	}
	return false
}

// Issue is one dangerous command found in a payload.
type Issue struct {
	MatchedText string `json:"matched_text"`
	Description string `json:"description"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Line        int    `json:"line"`
}

type dangerousPattern struct {
	pattern     string
	description string
}

// dangerousPatterns covers filesystem, system-control, container, database,
// cloud, network, permission, service, resource-exhaustion, and cron
// destruction vectors.
var dangerousPatterns = []dangerousPattern{
	{`rm\s+-rf\s+/`, "Recursive delete from root directory"},
	{`rm\s+-rf\s+/\*`, "Delete all files in root"},
	{`rm\s+-[rf]+\s+~/`, "Delete home directory"},
	{`mkfs\.\w+\s+/dev/`, "Format disk/partition"},
	{`dd\s+if=.*\s+of=/dev/[sh]d[a-z]`, "Direct disk write"},

	{`shutdown\s+-[hr]\s+now`, "Immediate system shutdown/reboot"},
	{`reboot\s+--force`, "Forced system reboot"},
	{`init\s+[06]`, "System halt/reboot via init"},
	{`systemctl\s+poweroff`, "System poweroff"},
	{`halt\s+-p`, "System halt"},

	{`kubectl\s+delete\s+(?:namespace|ns)\s+--all`, "Delete all Kubernetes namespaces"},
	{`kubectl\s+delete\s+\w+\s+--all(?:\s+-n|\s+--namespace)`, "Delete all resources in namespace"},
	{`kubectl\s+drain\s+.*--delete-(?:local-data|emptydir-data)`, "Forcefully drain node"},
	{`docker\s+rm\s+-f\s+\$\(docker\s+ps\s+-aq\)`, "Force remove all containers"},
	{`docker\s+system\s+prune\s+-a\s+--volumes\s+--force`, "Prune all Docker data"},

	{`DROP\s+DATABASE\s+\w+`, "Drop database"},
	{`TRUNCATE\s+TABLE`, "Truncate table"},
	{`DELETE\s+FROM\s+\w+(?:\s+WHERE\s+1=1)?`, "Delete all rows from table"},
	{`psql.*-c\s+["']DROP`, "PostgreSQL drop command"},
	{`mysql.*-e\s+["']DROP`, "MySQL drop command"},

	{`aws\s+s3\s+rb\s+s3://.*--force`, "Force delete S3 bucket"},
	{`aws\s+ec2\s+terminate-instances\s+--instance-ids\s+.*\*`, "Terminate EC2 instances with wildcard"},
	{`az\s+group\s+delete\s+--name\s+.*--yes\s+--no-wait`, "Delete Azure resource group"},
	{`gcloud\s+projects\s+delete`, "Delete GCP project"},
	{`terraform\s+destroy\s+-auto-approve`, "Auto-approve Terraform destroy"},

	{`iptables\s+-F`, "Flush all iptables rules"},
	{`iptables\s+-X`, "Delete all iptables chains"},
	{`ufw\s+disable`, "Disable firewall"},

	{`chmod\s+777\s+/`, "Set world-writable permissions on root"},
	{`chown\s+-R\s+\w+:\w+\s+/`, "Recursive ownership change from root"},
	{`passwd\s+root`, "Change root password"},
	{`userdel\s+-r\s+root`, "Delete root user"},

	{`apt-get\s+remove\s+--purge\s+.*sudo`, "Remove sudo package"},
	{`yum\s+remove\s+sudo`, "Remove sudo package (yum)"},
	{`systemctl\s+stop\s+ssh(?:d)?`, "Stop SSH service"},
	{`systemctl\s+disable\s+ssh(?:d)?`, "Disable SSH service"},

	{`:\(\)\{\s*:\|:&\s*\};:`, "Fork bomb pattern"},
	{`while\s+true;\s*do.*done`, "Infinite loop"},
	{`yes\s+>\s+/dev/`, "Resource exhaustion"},

	{`crontab\s+-r`, "Remove all cron jobs"},
	{`\*\s+\*\s+\*\s+\*\s+\*\s+rm\s+-rf`, "Scheduled recursive delete"},
}

type compiledDangerous struct {
	regex       *regexp.Regexp
	description string
}

// Filter holds the compiled dangerous-command battery. Construct once at
// startup; Scan and Annotate are safe for concurrent use.
type Filter struct {
	patterns []compiledDangerous
}

// NewFilter compiles the built-in battery plus any extra patterns (pattern
// string to description). Invalid patterns are logged and skipped.
func NewFilter(extra map[string]string) *Filter {
	specs := dangerousPatterns
	for pattern, description := range extra {
		specs = append(specs, dangerousPattern{pattern, description})
	}

	compiled := make([]compiledDangerous, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(`(?im)` + spec.pattern)
		if err != nil {
			slog.Error("Failed to compile safety pattern, skipping",
				"pattern", spec.pattern, "error", err)
			continue
		}
		compiled = append(compiled, compiledDangerous{regex: re, description: spec.description})
	}
	return &Filter{patterns: compiled}
}

// Scan returns every dangerous command found in text, ordered by position.
func (f *Filter) Scan(text string) []Issue {
	var issues []Issue
	for _, cd := range f.patterns {
		for _, loc := range cd.regex.FindAllStringIndex(text, -1) {
			issues = append(issues, Issue{
				MatchedText: text[loc[0]:loc[1]],
				Description: cd.description,
				Start:       loc[0],
				End:         loc[1],
				Line:        strings.Count(text[:loc[0]], "\n") + 1,
			})
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Start != issues[j].Start {
			return issues[i].Start < issues[j].Start
		}
		return issues[i].End > issues[j].End
	})
	return issues
}

// mergeOverlapping collapses issues whose ranges overlap into one span so a
// command matched by several patterns splices as a single region. Input must
// be sorted by Start; the widest match at each position keeps its description.
func mergeOverlapping(issues []Issue) []Issue {
	if len(issues) < 2 {
		return issues
	}
	merged := issues[:1:1]
	for _, issue := range issues[1:] {
		last := &merged[len(merged)-1]
		if issue.Start < last.End {
			if issue.End > last.End {
				last.End = issue.End
			}
			continue
		}
		merged = append(merged, issue)
	}
	return merged
}

// Annotate applies mode to text. Warning mode appends a summary, block mode
// splices a marker over each match, silent mode returns text unchanged.
func (f *Filter) Annotate(text string, mode Mode) string {
	issues := f.Scan(text)
	if len(issues) == 0 || mode == ModeSilent {
		return text
	}

	if mode == ModeBlock {
		spliced := mergeOverlapping(issues)
		result := text
		for i := len(spliced) - 1; i >= 0; i-- {
			issue := spliced[i]
			result = result[:issue.Start] +
				fmt.Sprintf("[BLOCKED: %s]", issue.Description) +
				result[issue.End:]
		}
		return result
	}

	if len(issues) == 1 {
		return text + fmt.Sprintf(
			"\n\n⚠️  [SAFETY WARNING] Potentially destructive command detected:\n  • %s",
			issues[0].Description)
	}

	limit := len(issues)
	if limit > 5 {
		limit = 5
	}
	lines := make([]string, 0, limit)
	for _, issue := range issues[:limit] {
		lines = append(lines, "  • "+issue.Description)
	}
	more := ""
	if len(issues) > 5 {
		more = fmt.Sprintf("\n  ... and %d more", len(issues)-5)
	}
	return text + fmt.Sprintf(
		"\n\n⚠️  [SAFETY WARNING] %d potentially destructive commands detected:\n%s%s",
		len(issues), strings.Join(lines, "\n"), more)
}
