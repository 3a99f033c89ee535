package jsengine

import (
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
)

// dryRunTimeout bounds the validation execution; validation code talks only
// to the mock mcp object, so anything slow is a bug.
const dryRunTimeout = 10 * time.Second

// ValidationResult reports the outcome of pre-flight validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// dangerousPatterns is the closed set of forbidden constructs. Any match is
// fatal at registration time; the scrubbed sandbox is the second line of
// defence.
var dangerousPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"eval usage", regexp.MustCompile(`\beval\s*\(`)},
	{"Function constructor", regexp.MustCompile(`\bFunction\s*\(`)},
	{"__proto__ manipulation", regexp.MustCompile(`__proto__`)},
	{"constructor access", regexp.MustCompile(`\.constructor\s*\(`)},
	{"require usage", regexp.MustCompile(`\brequire\s*\(`)},
	{"import usage", regexp.MustCompile(`\bimport\s+`)},
}

// workflowCallPattern matches a bare `workflow();` invocation so the dry
// run can substitute mock input.
var workflowCallPattern = regexp.MustCompile(`workflow\s*\(\s*\)\s*;`)

// mockInput covers the parameter names generated workflows commonly read.
const mockInput = `{
	repo_url: "https://github.com/test/repo",
	repo_path: "/tmp/test",
	format: "json",
	path: "/tmp/file.txt",
	content: "mock content"
}`

// mockMCPScript installs a stand-in mcp.call that echoes its arguments,
// letting the dry run execute without contacting real servers.
const mockMCPScript = `
globalThis.mcp = {
	async call(server, tool, args) {
		return {
			mock: true,
			server: server || "unknown",
			tool: tool || "unknown",
			args: args || {}
		};
	}
};
true;
`

// ValidateJS runs the three pre-flight checks on generated workflow code:
// syntax compilation, the forbidden-pattern scan, and a dry run against a
// mock mcp object. Runs on its own short-lived runtime so callers on a busy
// executor are never blocked.
func ValidateJS(code string) ValidationResult {
	if err := checkSyntax(code); err != nil {
		return failure(fmt.Sprintf("Syntax error: %v", err))
	}
	if err := checkSecurity(code); err != nil {
		return failure(fmt.Sprintf("Security violation: %v", err))
	}
	if err := dryRun(code); err != nil {
		return failure(fmt.Sprintf("Dry-run failed: %v", err))
	}
	return ValidationResult{Passed: true}
}

func failure(errs ...string) ValidationResult {
	return ValidationResult{Passed: false, Errors: errs}
}

// checkSyntax compiles the source without executing it.
func checkSyntax(code string) error {
	_, err := goja.Compile("workflow.js", code, false)
	return err
}

// checkSecurity scans for the forbidden construct set.
func checkSecurity(code string) error {
	var violations []string
	for _, p := range dangerousPatterns {
		if p.pattern.MatchString(code) {
			violations = append(violations, p.name)
		}
	}
	if len(violations) > 0 {
		return fmt.Errorf("dangerous patterns detected: %v", violations)
	}
	return nil
}

// dryRun executes the workflow with mock input on a fresh runtime. Catches
// trivial reference errors before registration.
func dryRun(code string) error {
	rt, err := NewRuntimeWithConfig(SecurityConfig{ExecTimeout: dryRunTimeout})
	if err != nil {
		return fmt.Errorf("create dry-run runtime: %w", err)
	}
	defer rt.Close()

	if _, err := rt.Execute(mockMCPScript); err != nil {
		return fmt.Errorf("inject mock mcp object: %w", err)
	}

	validationCode := prepareDryRunCode(code)
	if _, err := rt.Execute(validationCode); err != nil {
		return err
	}
	return nil
}

// prepareDryRunCode binds mock input to the workflow invocation. Sources
// that only define workflow get an explicit invocation appended.
func prepareDryRunCode(code string) string {
	if workflowCallPattern.MatchString(code) {
		return workflowCallPattern.ReplaceAllString(code, "workflow("+mockInput+");")
	}
	return code + "\nworkflow(" + mockInput + ");"
}
