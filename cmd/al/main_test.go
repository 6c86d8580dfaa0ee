package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdout
	os.Stdout = w
	runErr := fn()
	os.Stdout = old
	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if runErr != nil {
		t.Fatalf("print: %v", runErr)
	}
	return string(out)
}

func TestPrintObjectFormats(t *testing.T) {
	v := struct {
		HeadVersionID string `json:"head_version_id"`
		Title         string `json:"title"`
	}{HeadVersionID: "v-1", Title: "Yearly review"}

	viper.Set("json", false)
	out := captureStdout(t, func() error { return printObject(v) })
	if out != "head_version_id: v-1\ntitle: Yearly review\n" {
		t.Fatalf("unexpected yaml output %q", out)
	}

	viper.Set("json", true)
	defer viper.Set("json", false)
	out = captureStdout(t, func() error { return printObject(v) })
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"head_version_id": "v-1"`) {
		t.Fatalf("unexpected json output %q", out)
	}
}
