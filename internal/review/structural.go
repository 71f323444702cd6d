package review

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Rules configure the static structural checker.
type Rules struct {
	MaxCodeSize       int      `json:"max_code_size" yaml:"max_code_size"`
	ForbiddenBuiltins []string `json:"forbidden_builtins" yaml:"forbidden_builtins"`
	AllowedModules    []string `json:"allowed_modules" yaml:"allowed_modules"`
}

// DefaultRules returns the network's structural rules for Python agents.
func DefaultRules() Rules {
	return Rules{
		MaxCodeSize:       1 << 20,
		ForbiddenBuiltins: []string{"exec", "eval", "compile"},
		AllowedModules: []string{
			"json", "re", "os", "sys", "time", "math", "random", "typing",
			"dataclasses", "collections", "itertools", "functools", "pathlib",
			"logging", "hashlib", "base64", "datetime", "enum", "abc", "shlex",
			"textwrap", "string", "asyncio", "term_sdk", "requests", "httpx",
			"pydantic", "numpy", "openai", "anthropic", "litellm",
		},
	}
}

type pattern struct {
	needle string
	desc   string
}

var dangerousPatterns = []pattern{
	{"os.system(", "direct OS command execution"},
	{"os.popen(", "OS pipe execution"},
	{"subprocess.call(", "subprocess execution"},
	{"subprocess.Popen(", "subprocess execution"},
	{"subprocess.run(", "subprocess execution"},
	{"socket.socket(", "raw socket access"},
	{"__import__(", "dynamic import"},
}

// StructuralChecker statically inspects an agent payload.
type StructuralChecker struct {
	rules   Rules
	allowed map[string]bool
}

// NewStructuralChecker creates a checker for rules.
func NewStructuralChecker(rules Rules) *StructuralChecker {
	allowed := make(map[string]bool, len(rules.AllowedModules))
	for _, m := range rules.AllowedModules {
		allowed[m] = true
	}
	return &StructuralChecker{rules: rules, allowed: allowed}
}

// Check returns the list of violations found in code; an empty list passes.
func (c *StructuralChecker) Check(code []byte) []string {
	var violations []string
	if c.rules.MaxCodeSize > 0 && len(code) > c.rules.MaxCodeSize {
		violations = append(violations, fmt.Sprintf("code exceeds %d bytes", c.rules.MaxCodeSize))
	}
	for _, b := range c.rules.ForbiddenBuiltins {
		if containsCall(code, b) {
			violations = append(violations, "forbidden builtin: "+b)
		}
	}
	for _, p := range dangerousPatterns {
		if bytes.Contains(code, []byte(p.needle)) {
			violations = append(violations, fmt.Sprintf("dangerous pattern: %s (%s)", p.desc, p.needle))
		}
	}
	return append(violations, c.checkImports(code)...)
}

// containsCall reports whether name( appears as a bare call, not as the tail
// of a longer identifier or attribute such as re.compile(.
func containsCall(code []byte, name string) bool {
	needle := []byte(name + "(")
	for i := 0; ; {
		j := bytes.Index(code[i:], needle)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || !isIdentByte(code[at-1]) && code[at-1] != '.' {
			return true
		}
		i = at + len(needle)
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func (c *StructuralChecker) checkImports(code []byte) []string {
	var violations []string
	seen := make(map[string]bool)
	report := func(module string) {
		root := strings.TrimSpace(strings.SplitN(module, ".", 2)[0])
		if root == "" || c.allowed[root] || seen[root] {
			return
		}
		seen[root] = true
		violations = append(violations, "disallowed module: "+root)
	}

	sc := bufio.NewScanner(bytes.NewReader(code))
	sc.Buffer(make([]byte, 64*1024), len(code)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "import "); ok {
			for _, m := range strings.Split(rest, ",") {
				m = strings.TrimSpace(m)
				if i := strings.Index(m, " as "); i >= 0 {
					m = m[:i]
				}
				report(m)
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "from "); ok {
			if i := strings.Index(rest, " import "); i >= 0 && !strings.HasPrefix(rest, ".") {
				report(rest[:i])
			}
		}
	}
	return violations
}

// Review runs the checker and wraps the outcome as a structural Result for
// submissionID. The caller signs it.
func (c *StructuralChecker) Review(submissionID string, code []byte) Result {
	violations := c.Check(code)
	r := Result{
		SubmissionID: submissionID,
		Kind:         StructuralReview,
		Passed:       len(violations) == 0,
	}
	if r.Passed {
		r.Score = 1
		r.Rationale = "no structural violations"
	} else {
		r.Rationale = strings.Join(violations, "; ")
	}
	return r
}
