package workerproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferTailOrderAndEviction(t *testing.T) {
	r := newRingBuffer(3)
	r.Append("a")
	r.Append("b")
	r.Append("c")
	r.Append("d")

	assert.Equal(t, []string{"b", "c", "d"}, r.Tail(0))
	assert.Equal(t, []string{"c", "d"}, r.Tail(2))
}

func TestProcessStartSendTerminate(t *testing.T) {
	dir := t.TempDir()

	p := New(Config{
		WorkerID: "w1",
		Binary:   "/bin/sh",
		Args:     []string{"-c", `while IFS= read -r line; do echo "{\"type\":\"unknown\",\"echo\":\"$line\"}"; done`},
		WorkDir:  dir,
	})

	var gotLines []string
	p.OnRawLine = func(line string) { gotLines = append(gotLines, line) }

	require.NoError(t, p.Start())
	require.NoError(t, p.Send("hello"))

	select {
	case <-p.Done():
		t.Fatal("process exited unexpectedly before terminate")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Terminate())
	<-p.Done()
}

func TestProcessStartMissingWorkdirFails(t *testing.T) {
	p := New(Config{
		WorkerID: "w2",
		Binary:   "/bin/sh",
		WorkDir:  "/nonexistent/worktree/path",
	})
	err := p.Start()
	require.Error(t, err)
}

func TestProcessSendAfterExitFails(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{
		WorkerID: "w3",
		Binary:   "/bin/sh",
		Args:     []string{"-c", "exit 0"},
		WorkDir:  dir,
	})
	require.NoError(t, p.Start())
	<-p.Done()

	err := p.Send("too late")
	require.Error(t, err)
}
