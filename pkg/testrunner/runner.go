// Package testrunner detects a project's test framework and runs its
// suite, parsing pass/fail counts out of the output.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/workflow"
)

// Framework is a supported test framework.
type Framework string

const (
	Pytest    Framework = "pytest"
	Jest      Framework = "jest"
	Mocha     Framework = "mocha"
	GoTest    Framework = "go_test"
	CargoTest Framework = "cargo_test"
	RSpec     Framework = "rspec"
	Unknown   Framework = "unknown"
)

// Runner runs tests in one project directory.
type Runner struct {
	dir    string
	logger *zap.Logger
}

var _ workflow.TestRunner = (*Runner)(nil)

// NewRunner creates a runner for the given directory.
func NewRunner(dir string, logger *zap.Logger) *Runner {
	return &Runner{dir: dir, logger: logger.Named("testrunner")}
}

// Detect identifies the test framework from marker files.
func (r *Runner) Detect() Framework {
	if r.anyExists("pytest.ini", "pyproject.toml", "setup.py") {
		return Pytest
	}

	if pkg, err := os.ReadFile(filepath.Join(r.dir, "package.json")); err == nil {
		content := string(pkg)
		if strings.Contains(content, "jest") {
			return Jest
		}
		if strings.Contains(content, "mocha") {
			return Mocha
		}
	}

	if r.anyExists("go.mod") || r.hasGlob("*.go") {
		return GoTest
	}

	if r.anyExists("Cargo.toml") {
		return CargoTest
	}

	if gemfile, err := os.ReadFile(filepath.Join(r.dir, "Gemfile")); err == nil {
		if strings.Contains(string(gemfile), "rspec") {
			return RSpec
		}
	}

	return Unknown
}

func (r *Runner) anyExists(names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(r.dir, name)); err == nil {
			return true
		}
	}
	return false
}

func (r *Runner) hasGlob(pattern string) bool {
	matches, err := filepath.Glob(filepath.Join(r.dir, pattern))
	return err == nil && len(matches) > 0
}

// Run detects the framework and executes the suite. An unrunnable
// suite (unknown framework, timeout, broken toolchain) comes back as a
// failed outcome with Err set, not as an error: callers treat every
// non-success the same way.
func (r *Runner) Run(ctx context.Context, timeout time.Duration) (workflow.TestOutcome, error) {
	framework := r.Detect()
	if framework == Unknown {
		return workflow.TestOutcome{
			Framework: string(framework),
			Err:       "could not detect test framework",
		}, nil
	}

	r.logger.Info("running tests", zap.String("framework", string(framework)))

	name, args, extraEnv := command(framework)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), extraEnv...)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return workflow.TestOutcome{
			Framework: string(framework),
			Output:    string(out),
			Err:       fmt.Sprintf("tests timed out after %s", timeout),
		}, nil
	}

	outcome := parseOutput(framework, string(out), err == nil)
	r.logger.Info("test results",
		zap.String("framework", string(framework)),
		zap.Bool("success", outcome.Success),
		zap.Int("passed", outcome.Passed),
		zap.Int("failed", outcome.Failed),
		zap.Duration("duration", duration))
	return outcome, nil
}

// command returns the framework's invocation and any extra
// environment.
func command(framework Framework) (string, []string, []string) {
	switch framework {
	case Pytest:
		return "pytest", []string{"-v", "--tb=short"}, nil
	case Jest:
		return "npx", []string{"jest", "--verbose"}, []string{"CI=true"}
	case Mocha:
		return "npx", []string{"mocha", "--reporter", "spec"}, nil
	case GoTest:
		return "go", []string{"test", "-v", "./..."}, nil
	case CargoTest:
		return "cargo", []string{"test", "--", "--nocapture"}, nil
	case RSpec:
		return "bundle", []string{"exec", "rspec", "--format", "documentation"}, nil
	default:
		return "", nil, nil
	}
}

var (
	pytestSummaryRe = regexp.MustCompile(`(\d+) passed(?:.*?(\d+) failed)?(?:.*?(\d+) skipped)?`)
	jestSummaryRe   = regexp.MustCompile(`Tests:\s+(?:(\d+) passed)?(?:,?\s*(\d+) failed)?(?:,?\s*(\d+) total)?`)
	goPassRe        = regexp.MustCompile(`(?m)^--- PASS:`)
	goFailRe        = regexp.MustCompile(`(?m)^--- FAIL:`)
)

// parseOutput extracts pass/fail counts from framework output. The
// exit code decides success; counts are best effort.
func parseOutput(framework Framework, output string, exitOK bool) workflow.TestOutcome {
	outcome := workflow.TestOutcome{
		Framework: string(framework),
		Success:   exitOK,
		Output:    output,
	}

	switch framework {
	case Pytest:
		if m := pytestSummaryRe.FindStringSubmatch(output); m != nil {
			outcome.Passed = atoi(m[1])
			outcome.Failed = atoi(m[2])
			outcome.Skipped = atoi(m[3])
			outcome.Total = outcome.Passed + outcome.Failed + outcome.Skipped
		}
	case Jest:
		if m := jestSummaryRe.FindStringSubmatch(output); m != nil {
			outcome.Passed = atoi(m[1])
			outcome.Failed = atoi(m[2])
			outcome.Total = atoi(m[3])
			if outcome.Total == 0 {
				outcome.Total = outcome.Passed + outcome.Failed
			}
		}
	case GoTest:
		outcome.Passed = len(goPassRe.FindAllString(output, -1))
		outcome.Failed = len(goFailRe.FindAllString(output, -1))
		outcome.Total = outcome.Passed + outcome.Failed
	}

	return outcome
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
