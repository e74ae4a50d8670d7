package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseExclude(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    map[string][]string
		wantErr bool
	}{
		{"none", nil, map[string][]string{}, false},
		{"repeated key", []string{"org/wlans=guest", "org/wlans=iot", "site/maps=Floor 1"},
			map[string][]string{"org/wlans": {"guest", "iot"}, "site/maps": {"Floor 1"}}, false},
		{"missing name", []string{"org/wlans"}, nil, true},
		{"unknown collection", []string{"org/bogus=x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExclude(tt.values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseExclude() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, names := range tt.want {
				if strings.Join(got[k], ",") != strings.Join(names, ",") {
					t.Errorf("%s = %v, want %v", k, got[k], names)
				}
			}
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	backups := filepath.Join(dir, "backups")
	cfg := `
backup_dir: ` + backups + `
log_level: warn
connections:
  - name: dst
    host: https://manage.eu.mist.com
    org_id: 4c2d1e8f-3b6a-4f0e-8d21-7a9c5b3e2f02
    token: dest-token
  - name: notoken
    host: api.mist.com
    org_id: 9f1b7a52-1f0e-4c5e-9a59-0c8d7f7b1a01
    token_env: ORGMIGRATOR_TEST_UNSET_TOKEN
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, backups
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("version output %q", out)
	}
}

func TestBackupsListsEmptyStore(t *testing.T) {
	path, backups := writeConfig(t)
	out, err := execute(t, "--config", path, "backups")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "SNAPSHOT") {
		t.Errorf("output %q", out)
	}
	if _, err := os.Stat(backups); err != nil {
		t.Errorf("backup dir not created: %v", err)
	}
}

func TestCommandErrors(t *testing.T) {
	path, _ := writeConfig(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown connection", []string{"restore", "nope", "--source-org", "x"}, `connection "nope" is not configured`},
		{"no token", []string{"backup", "notoken"}, "has no API token"},
		{"no snapshot selector", []string{"precheck", "dst"}, "--snapshot or --source-org is required"},
		{"bad exclusion", []string{"restore", "dst", "--source-org", "x", "--exclude", "wlans=guest"}, "invalid"},
		{"unclaim without source", []string{"inventory", "deploy", "dst", "--unclaim"}, "--unclaim requires --source"},
		{"missing argument", []string{"backup"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--config", path}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}
