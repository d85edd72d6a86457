package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memoryConfig = `
store:
  driver: memory
cache:
  driver: memory
`

const validTasks = `
tasks:
  - id: follow-us
    quest_id: launch
    type: social_follow
    platform: twitter
    target: questhub
    xp_reward: 50
  - id: quiz-1
    quest_id: launch
    type: quiz
    expected_answer: "  Forty Two "
    xp_reward: 20
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootShowsHelp(t *testing.T) {
	out, err := run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "reconcile")
}

func TestTasksImportDryRun(t *testing.T) {
	file := writeFile(t, "tasks.yaml", validTasks)

	out, err := run(t, "tasks", "import", file, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks are valid")
}

func TestTasksImportWritesToStore(t *testing.T) {
	cfg := writeFile(t, "config.yaml", memoryConfig)
	file := writeFile(t, "tasks.yaml", validTasks)

	out, err := run(t, "--config", cfg, "tasks", "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 tasks")
}

func TestReadTaskFileRejectsInvalidTasks(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "quiz without answer",
			content: `
tasks:
  - id: quiz-1
    type: quiz
    xp_reward: 10
`,
		},
		{
			name: "follow on discord",
			content: `
tasks:
  - id: follow
    type: social_follow
    platform: discord
`,
		},
		{
			name: "duplicate id",
			content: `
tasks:
  - id: visit
    type: visit
  - id: visit
    type: visit
`,
		},
		{
			name:    "not yaml",
			content: "tasks: [",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readTaskFile(writeFile(t, "tasks.yaml", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestRoleRejectsUnknownRole(t *testing.T) {
	cfg := writeFile(t, "config.yaml", memoryConfig)

	_, err := run(t, "--config", cfg, "role", "p-1", "superuser")
	assert.Error(t, err)
}

func TestRoleUnknownParticipant(t *testing.T) {
	cfg := writeFile(t, "config.yaml", memoryConfig)

	_, err := run(t, "--config", cfg, "role", "missing", "admin")
	assert.Error(t, err)
}

func TestReconcileEmptyStore(t *testing.T) {
	cfg := writeFile(t, "config.yaml", memoryConfig)

	out, err := run(t, "--config", cfg, "reconcile", "--rebuild-ranking")
	require.NoError(t, err)
	assert.Contains(t, out, "awarded")
	assert.Contains(t, out, "ranking rebuilt")
}

func TestVerifyRejectsMalformedEvidence(t *testing.T) {
	_, err := run(t, "verify", "p-1", "task-1", "--evidence", "{not json")
	assert.Error(t, err)
}

func TestWrongArgumentCount(t *testing.T) {
	_, err := run(t, "revoke")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"participant", "creator", "admin"} {
		r, err := parseRole(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(r))
	}
	_, err := parseRole("root")
	assert.Error(t, err)
}
