package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

const annotatedRego = `# Refuses destructive database actions.
# Owned by the data team.
# severity: error

package custom.deletes

import rego.v1

deny contains "deletes are disabled" if {
	input.action.name == "db.delete"
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadFileRego(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "no-deletes.rego")
	writeFile(t, file, annotatedRego)

	p, err := NewLoader(zerolog.Nop()).LoadFile(file)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if p.Name != "no-deletes" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Description != "Refuses destructive database actions. Owned by the data team." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %s, want error from annotation", p.Severity)
	}
	if !p.Enabled || p.Builtin {
		t.Errorf("Enabled = %v, Builtin = %v", p.Enabled, p.Builtin)
	}
	if p.Source != file {
		t.Errorf("Source = %q", p.Source)
	}
	if p.Rego != annotatedRego {
		t.Error("Rego source altered")
	}
}

func TestLoadFileRegoDefaultSeverity(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.rego")
	writeFile(t, file, "package custom.plain\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n")

	p, err := NewLoader(zerolog.Nop()).LoadFile(file)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Severity = %s, want warning", p.Severity)
	}
	if p.Description != "" {
		t.Errorf("Description = %q, want empty", p.Description)
	}
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name        string
		content     string
		wantErr     bool
		wantEnabled bool
		wantSev     Severity
	}{
		{
			name:        "defaults",
			content:     `{"name": "j", "rego": "package j"}`,
			wantEnabled: true,
			wantSev:     SeverityWarning,
		},
		{
			name:        "explicit",
			content:     `{"name": "j", "rego": "package j", "enabled": false, "severity": "critical", "builtin": true}`,
			wantEnabled: false,
			wantSev:     SeverityCritical,
		},
		{name: "no name", content: `{"rego": "package j"}`, wantErr: true},
		{name: "malformed", content: `{"name":`, wantErr: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(dir, tt.name+".json")
			writeFile(t, file, tt.content)

			p, err := NewLoader(zerolog.Nop()).LoadFile(file)
			if tt.wantErr {
				if err == nil {
					t.Errorf("case %d: expected error", i)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if p.Enabled != tt.wantEnabled || p.Severity != tt.wantSev {
				t.Errorf("Enabled = %v, Severity = %s", p.Enabled, p.Severity)
			}
			if p.Builtin {
				t.Error("file policy marked built-in")
			}
		})
	}
}

func TestLoadFromPathsDirectory(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.Mkdir(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "b.rego"), "package b")
	writeFile(t, filepath.Join(nested, "a.rego"), "package a")
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 || policies[0].Name != "a" || policies[1].Name != "b" {
		t.Errorf("policies = %+v, want a and b", policies)
	}
}

func TestLoadFromPathsMissing(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-deletes.rego"), annotatedRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if err := eng.Admit(context.Background(), engine.Action{Name: "db.delete"}); err == nil {
		t.Error("loaded policy does not deny")
	}
}

func TestEngineWatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-deletes.rego"), annotatedRego)

	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "no-deletes.rego")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "no-drops.rego"), `package custom.drops

import rego.v1

deny contains "drops are disabled" if {
	input.action.name == "db.drop"
}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, errOld := eng.GetPolicy("no-deletes")
		_, errNew := eng.GetPolicy("no-drops")
		if errOld != nil && errNew == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("policies not reloaded: %+v", eng.ListPolicies())
		}
		time.Sleep(50 * time.Millisecond)
	}

	if p, err := eng.GetPolicy("action-naming"); err != nil || !p.Builtin {
		t.Error("reload dropped built-in policies")
	}
}
