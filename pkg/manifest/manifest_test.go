package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godispatch/pkg/task"
)

func validManifestYAML() string {
	return `version: "1.0"
defaults:
  priority: low
terminals:
  - id: kiosk-01
    type: kiosk
    metadata:
      site: berlin
tasks:
  - data: {action: reboot, delay: 5}
    priority: high
    terminal: kiosk-01
  - data: sync
`
}

func validManifestJSON() string {
	return `{
  "version": "1.0",
  "tasks": [
    {"data": {"x": 1}, "priority": "high"},
    {"data": [1, 2, 3]}
  ]
}`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "batch.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				require.Len(t, m.Terminals, 1)
				assert.Equal(t, "kiosk-01", m.Terminals[0].ID)
				assert.Equal(t, "berlin", m.Terminals[0].Metadata["site"])

				require.Len(t, m.Tasks, 2)
				assert.JSONEq(t, `{"action":"reboot","delay":5}`, string(m.Tasks[0].Data))
				assert.Equal(t, task.PriorityHigh, m.Tasks[0].TaskPriority())
				assert.Equal(t, "kiosk-01", m.Tasks[0].Terminal)

				assert.JSONEq(t, `"sync"`, string(m.Tasks[1].Data))
				assert.Equal(t, task.PriorityLow, m.Tasks[1].TaskPriority())
				assert.Empty(t, m.Tasks[1].Terminal)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "batch.json",
			validate: func(t *testing.T, m *Manifest) {
				require.Len(t, m.Tasks, 2)
				assert.JSONEq(t, `[1,2,3]`, string(m.Tasks[1].Data))
				assert.Equal(t, string(DefaultPriority), m.Tasks[1].Priority)
			},
		},
		{
			name:     "unknown extension falls back to YAML",
			content:  validManifestYAML(),
			filename: "batch.txt",
			validate: func(t *testing.T, m *Manifest) {
				assert.Len(t, m.Tasks, 2)
			},
		},
		{
			name:     "default terminal applies",
			content:  "version: \"1.0\"\ndefaults:\n  terminal: T9\ntasks:\n  - data: 1\n",
			filename: "batch.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "T9", m.Tasks[0].Terminal)
			},
		},
		{
			name:        "unknown field rejected",
			content:     "version: \"1.0\"\ntasks:\n  - data: 1\n    retries: 3\n",
			filename:    "batch.yaml",
			wantErr:     true,
			errContains: "retries",
		},
		{
			name:     "bad priority rejected",
			content:  "version: \"1.0\"\ntasks:\n  - data: 1\n    priority: urgent\n",
			filename: "batch.yaml",
			wantErr:  true,
		},
		{
			name:     "missing version rejected",
			content:  "tasks:\n  - data: 1\n",
			filename: "batch.yaml",
			wantErr:  true,
		},
		{
			name:     "task without data rejected",
			content:  "version: \"1.0\"\ntasks:\n  - priority: high\n",
			filename: "batch.yaml",
			wantErr:  true,
		},
		{
			name:     "terminal id with slash rejected",
			content:  "version: \"1.0\"\nterminals:\n  - id: a/b\n    type: kiosk\n",
			filename: "batch.yaml",
			wantErr:  true,
		},
		{
			name:        "invalid YAML",
			content:     "version: [\n",
			filename:    "batch.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON",
			content:     "{not json",
			filename:    "batch.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			m, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			tt.validate(t, m)
		})
	}
}

func TestLoad_SchemaFailuresWrapSentinel(t *testing.T) {
	_, err := LoadFromBytes([]byte("version: \"2.0\"\ntasks:\n  - data: 1\n"), "batch.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	var verrs ValidationErrors
	assert.True(t, errors.As(err, &verrs))
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = LoadFromBytes(nil, "batch.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validManifestJSON()), "stdin.json")
	require.NoError(t, err)
	assert.Len(t, m.Tasks, 2)
}

func TestPayloadFromYAML(t *testing.T) {
	payload, err := PayloadFromYAML([]byte("x: 1\nitems:\n  - a\n  - b\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"items":["a","b"]}`, string(payload))

	payload, err = PayloadFromYAML([]byte(`{"x": 1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(payload))

	payload, err = PayloadFromYAML([]byte("1: one\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":"one"}`, string(payload))

	_, err = PayloadFromYAML([]byte("   \n"))
	assert.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{{Path: "/version", Message: "required"}}
		assert.Equal(t, "/version: required", errs.Error())
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "/version", Message: "required"},
			{Path: "/tasks/0/data", Message: "missing"},
		}
		errStr := errs.Error()
		assert.Contains(t, errStr, "2 errors")
		assert.Contains(t, errStr, "/tasks/0/data")
	})

	t.Run("empty path", func(t *testing.T) {
		errs := ValidationErrors{{Message: "root error"}}
		assert.Equal(t, "root error", errs.Error())
	})

	t.Run("unwrap returns ErrValidationFailed", func(t *testing.T) {
		assert.True(t, errors.Is(ValidationErrors{{Path: "/x", Message: "bad"}}, ErrValidationFailed))
	})
}

func TestValidate_EmbeddedSchema(t *testing.T) {
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(originalDir) })

	assert.NoError(t, ValidateRaw([]byte(`{"version":"1.0","tasks":[{"data":null}]}`)))
}
