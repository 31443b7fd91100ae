package ui

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/muesli/termenv"
)

func TestMain(m *testing.M) {
	SetPlain(true)
	os.Exit(m.Run())
}

func TestRender_PlainHasNoEscapes(t *testing.T) {
	for name, got := range map[string]string{
		"pass":   RenderPass("✓"),
		"warn":   RenderWarn("⚠"),
		"fail":   RenderFail("✗"),
		"accent": RenderAccent("value"),
		"muted":  RenderMuted("note"),
		"state":  RenderState("degraded"),
	} {
		if strings.Contains(got, "\x1b[") {
			t.Errorf("%s: plain output contains ANSI escapes: %q", name, got)
		}
	}
	if RenderState("streaming") != "streaming" {
		t.Errorf("RenderState altered the text: %q", RenderState("streaming"))
	}
}

func TestDetectProfile_NotATerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer f.Close()

	if IsTerminal(f) {
		t.Fatal("a regular file reported as a terminal")
	}
	if p := DetectProfile(f); p != termenv.Ascii {
		t.Errorf("DetectProfile = %v, want Ascii for a file", p)
	}
}

func TestPrintKV_Aligns(t *testing.T) {
	var buf bytes.Buffer
	PrintKV(&buf, KV{"Cursor", "500"}, KV{"Pending rows", "2"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if strings.Index(lines[0], "500") != strings.Index(lines[1], "2") {
		t.Errorf("values are not aligned:\n%s", buf.String())
	}
}

func TestTable(t *testing.T) {
	out := Table([]string{"Table", "Live", "Tombstones"}, [][]string{
		{"sets", "3", "1"},
		{"actions", "10", "0"},
	})

	for _, want := range []string{"Table", "Tombstones", "sets", "actions", "10"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{512, "512 bytes"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.size); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}
