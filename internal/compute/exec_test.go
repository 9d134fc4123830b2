package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellExec runs script under sh -c.
func shellExec(t *testing.T, script string) *Exec {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewExec("sh", []string{"-c", script}, 3)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestExec_StreamsStepsAndFinal(t *testing.T) {
	t.Parallel()
	script := `
echo '{"step": 1, "image_base64": "` + b64("one") + `"}'
echo 'loading weights...'
echo ''
echo '{"step": 2, "image_base64": "` + b64("two") + `"}'
echo '{"final": "` + b64("done") + `"}'
`
	e := shellExec(t, script)

	var got collected
	final, err := e.Run(context.Background(), "cat", 9, got.record)
	require.NoError(t, err)

	assert.Equal(t, []byte("done"), final)
	assert.Equal(t, []int{1, 2}, got.indices)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got.payloads)
}

func TestExec_PassesInputThroughEnvironment(t *testing.T) {
	t.Parallel()
	script := `printf '{"final": "%s"}\n' "$(printf '%s|%s|%s' "$SDQUEUE_PROMPT" "$SDQUEUE_SEED" "$SDQUEUE_STEPS" | base64 | tr -d '\n')"`
	e := shellExec(t, script)

	final, err := e.Run(context.Background(), "a quiet lake", 1234, nil)
	require.NoError(t, err)
	assert.Equal(t, "a quiet lake|1234|3", string(final))
}

func TestExec_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{
			name:    "reported error",
			script:  `echo '{"error": "out of memory"}'; exit 1`,
			wantErr: "generator reported error: out of memory",
		},
		{
			name:    "non-zero exit includes stderr",
			script:  `echo 'CUDA not found' >&2; exit 3`,
			wantErr: "CUDA not found",
		},
		{
			name:    "missing final",
			script:  `echo '{"step": 1, "image_base64": "` + b64("x") + `"}'`,
			wantErr: "generator produced no final image",
		},
		{
			name:    "final after failure exit",
			script:  `echo '{"final": "` + b64("x") + `"}'; exit 2`,
			wantErr: "generator exited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := shellExec(t, tt.script)

			final, err := e.Run(context.Background(), "cat", 1, nil)
			require.Error(t, err)
			assert.Nil(t, final)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExec_NoCommand(t *testing.T) {
	t.Parallel()
	_, err := (&Exec{}).Run(context.Background(), "cat", 1, nil)
	require.Error(t, err)
}

func TestExec_CommandNotFound(t *testing.T) {
	t.Parallel()
	e := NewExec("/nonexistent/generator", nil, 1)
	_, err := e.Run(context.Background(), "cat", 1, nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "start /nonexistent/generator"))
}

func TestExec_ContextCancelKillsProcess(t *testing.T) {
	t.Parallel()
	e := shellExec(t, `echo '{"step": 1, "image_base64": ""}'; exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	started := time.Now()
	_, err := e.Run(ctx, "cat", 1, func(int, []byte) { cancel() })

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defgh"))
	assert.Equal(t, ": defgh", tb.suffix())

	empty := &tailBuffer{limit: 5}
	_, _ = empty.Write([]byte("  \n"))
	assert.Equal(t, "", empty.suffix())
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))
}
