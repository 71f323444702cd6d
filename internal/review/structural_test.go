package review

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuralCheckerClean(t *testing.T) {
	c := NewStructuralChecker(DefaultRules())
	src := `import json
import os.path as p, re
from term_sdk import Agent, run

pattern = re.compile(r"\d+")

class MyAgent(Agent):
    def solve(self, task):
        return json.dumps({"ok": True})
`
	assert.Empty(t, c.Check([]byte(src)))
	r := c.Review("sub-1", []byte(src))
	assert.True(t, r.Passed)
	assert.Equal(t, StructuralReview, r.Kind)
	assert.Equal(t, "sub-1", r.SubmissionID)
}

func TestStructuralCheckerViolations(t *testing.T) {
	c := NewStructuralChecker(DefaultRules())
	src := `import ctypes
from pickle import loads
import subprocess
subprocess.run(["ls"])
eval("1+1")
os.system("rm -rf /")
`
	v := c.Check([]byte(src))
	joined := strings.Join(v, "\n")
	assert.Contains(t, joined, "disallowed module: ctypes")
	assert.Contains(t, joined, "disallowed module: pickle")
	assert.Contains(t, joined, "disallowed module: subprocess")
	assert.Contains(t, joined, "forbidden builtin: eval")
	assert.Contains(t, joined, "subprocess.run(")
	assert.Contains(t, joined, "os.system(")

	r := c.Review("sub-2", []byte(src))
	assert.False(t, r.Passed)
	assert.NotEmpty(t, r.Rationale)
}

func TestStructuralCheckerSize(t *testing.T) {
	rules := DefaultRules()
	rules.MaxCodeSize = 10
	c := NewStructuralChecker(rules)
	assert.NotEmpty(t, c.Check([]byte(strings.Repeat("x", 11))))
}

func TestContainsCall(t *testing.T) {
	assert.True(t, containsCall([]byte("eval(x)"), "eval"))
	assert.True(t, containsCall([]byte("y = eval (x); z = eval(x)"), "eval"))
	assert.False(t, containsCall([]byte("re.compile(x)"), "compile"))
	assert.False(t, containsCall([]byte("my_eval(x)"), "eval"))
}
