package notify

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := t.Context()
	r.Notify(ctx, Error, "Error while fetching data.")
	r.Notify(ctx, Info, "Tags updated.")
	r.Notify(ctx, Error, "Action failed.")
	if r.Count(Error) != 2 || r.Count(Info) != 1 {
		t.Errorf("counts = %d/%d", r.Count(Error), r.Count(Info))
	}
	msgs := r.Messages()
	if len(msgs) != 3 || msgs[1].Text != "Tags updated." {
		t.Errorf("Messages() = %+v", msgs)
	}
	msgs[0].Text = "changed"
	if r.Messages()[0].Text == "changed" {
		t.Error("Messages() exposes internal storage")
	}
	r.Reset()
	if len(r.Messages()) != 0 {
		t.Error("Reset() kept messages")
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	l := Log{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	l.Notify(context.Background(), Error, "boom")
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "msg=boom") {
		t.Errorf("log output = %q", out)
	}
	var d Discard
	d.Notify(context.Background(), Info, "ignored")
}
