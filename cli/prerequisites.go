// Package cli checks the executables the relay needs before it starts.
package cli

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Prerequisite represents an executable the relay launches.
type Prerequisite struct {
	Name        string // Command name or path (e.g., "bun")
	Required    bool   // Whether the relay can start without it
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
	VersionFlag string // Flag that prints a version; empty skips the probe
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// knownRuntimes describes the delegate runtimes the relay is commonly run with.
var knownRuntimes = map[string]Prerequisite{
	"bun": {
		Description: "Bun JavaScript runtime (delegate server)",
		InstallURL:  "https://bun.sh",
		VersionFlag: "--version",
	},
	"node": {
		Description: "Node.js runtime (delegate server)",
		InstallURL:  "https://nodejs.org",
		VersionFlag: "--version",
	},
}

// DelegatePrerequisites returns the prerequisites for launching the delegate
// with the given command.
func DelegatePrerequisites(command string) []Prerequisite {
	p, ok := knownRuntimes[filepath.Base(command)]
	if !ok {
		p = Prerequisite{Description: "Delegate MCP server"}
	}
	p.Name = command
	p.Required = true
	return []Prerequisite{p}
}

// Check verifies that a CLI tool is available in PATH
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path

	if prereq.VersionFlag != "" {
		result.Version = getVersion(path, prereq.VersionFlag)
	}

	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if _, err := exec.LookPath(prereq.Name); err != nil {
			line := fmt.Sprintf("  - %s (%s)", prereq.Name, prereq.Description)
			if prereq.InstallURL != "" {
				line += "\n    Install: " + prereq.InstallURL
			}
			missing = append(missing, line)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required executables:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion runs the executable with flag and returns the first output line
func getVersion(path, flag string) string {
	output, err := exec.Command(path, flag).Output()
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		if r.Found && r.Path != "" {
			sb.WriteString(fmt.Sprintf(" %s", r.Path))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
