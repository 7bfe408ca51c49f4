package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_Status_PrintsIconAndMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Status("🔍", "checking embedder...")

	out := buf.String()
	assert.Contains(t, out, "🔍")
	assert.Contains(t, out, "checking embedder...")
}

func TestWriter_Success_PrintsCheckmark(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Success("index built")

	assert.Contains(t, buf.String(), "✅")
	assert.Contains(t, buf.String(), "index built")
}

func TestWriter_Progress_RendersBarAndCompletesWithNewline(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Progress(5, 10, "embedding")
	w.Progress(10, 10, "embedding")

	out := buf.String()
	assert.Contains(t, out, "embedding")
	assert.Contains(t, out, "100%")
}
