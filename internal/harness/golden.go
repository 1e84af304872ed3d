package harness

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/subsync/internal/model"
)

// GoldenDir holds golden traces, relative to the test's package.
const GoldenDir = "testdata/golden"

// FormatTrace renders a trace as canonical JSON, one event per line.
func FormatTrace(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range trace {
		line, err := model.MarshalCanonical(ev.canonical())
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// AssertGolden compares a trace with testdata/golden/<name>.golden. Run the
// test with -update to rewrite the file.
func AssertGolden(t *testing.T, name string, trace []TraceEvent) {
	t.Helper()
	data, err := FormatTrace(trace)
	if err != nil {
		t.Fatalf("format trace: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
