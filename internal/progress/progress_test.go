package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestReporter_RendersFinalLineWithBytes(t *testing.T) {
	var buf bytes.Buffer
	r := New("test", 1024, &buf)
	r.Add(512)
	time.Sleep(10 * time.Millisecond)
	r.Stop()

	out := buf.String()
	if !strings.Contains(out, "test") {
		t.Fatalf("expected reporter name in output, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("expected final render to end with a newline")
	}
}

func TestReporter_UnknownTotalRendersSpinner(t *testing.T) {
	var buf bytes.Buffer
	r := New("recv", 0, &buf)
	r.Add(100)
	r.Stop()

	if buf.Len() == 0 {
		t.Fatal("expected some output even with unknown total")
	}
}
