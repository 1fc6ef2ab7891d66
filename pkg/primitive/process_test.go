package primitive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/pkg/fault"
)

func TestSpawn_CapturesBothStreams(t *testing.T) {
	p := NewProcessExecutor()
	res, err := p.Spawn(context.Background(), ProcessRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestSpawn_NonZeroExitIsResult(t *testing.T) {
	p := NewProcessExecutor()
	res, err := p.Spawn(context.Background(), ProcessRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo partial; exit 3"},
	})
	require.NoError(t, err, "non-zero exit must not be an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestSpawn_TimeoutKillsProcess(t *testing.T) {
	p := NewProcessExecutor()
	start := time.Now()
	_, err := p.Spawn(context.Background(), ProcessRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))
	assert.Less(t, time.Since(start), 10*time.Second, "timeout must force termination")
}

func TestSpawn_EnvIsExplicit(t *testing.T) {
	p := NewProcessExecutor()
	res, err := p.Spawn(context.Background(), ProcessRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo $KEEL_TEST_VAR"},
		Env:     map[string]string{"KEEL_TEST_VAR": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestSpawn_StdinForwarded(t *testing.T) {
	p := NewProcessExecutor()
	res, err := p.Spawn(context.Background(), ProcessRequest{
		Command: "/bin/cat",
		Stdin:   []byte("piped input"),
	})
	require.NoError(t, err)
	assert.Equal(t, "piped input", res.Stdout)
}

func TestSpawn_MissingCommand(t *testing.T) {
	p := NewProcessExecutor()
	_, err := p.Spawn(context.Background(), ProcessRequest{Command: "/nonexistent/bin"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}

func TestSpawn_OutputCap(t *testing.T) {
	p := NewProcessExecutor(WithMaxOutputBytes(16))
	res, err := p.Spawn(context.Background(), ProcessRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "head -c 1024 /dev/zero | tr '\\0' 'x'"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 16)
}

func TestProcessExecutor_Execute(t *testing.T) {
	p := NewProcessExecutor()
	res, err := p.Execute(context.Background(), Call{Params: map[string]any{
		"command": "/bin/sh",
		"args":    []any{"-c", "printf ok"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output["stdout"])
	assert.Equal(t, 0, res.Output["exit_code"])
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry(NewProcessExecutor())

	e, err := reg.Lookup("subprocess")
	require.NoError(t, err)
	assert.Equal(t, "subprocess", e.ID())

	_, err = reg.Lookup("no_such_primitive")
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), "no_such_primitive"))
}
