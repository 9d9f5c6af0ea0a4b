package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_EnforcesMedicalExclusion(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.ExcludeMedicalByDefault {
		t.Fatal("expected exclude_medical_by_default to be true")
	}
}

func TestLoadConfig_OverridesDefaultsButForcesMedicalExclusion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "site_id: clinic-1\nexclude_medical_by_default: false\nschedule:\n  daily_hour: 4\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SiteID != "clinic-1" {
		t.Fatalf("expected site_id clinic-1, got %q", cfg.SiteID)
	}
	if cfg.Schedule.DailyHour != 4 {
		t.Fatalf("expected daily_hour 4, got %d", cfg.Schedule.DailyHour)
	}
	if !cfg.ExcludeMedicalByDefault {
		t.Fatal("exclude_medical_by_default must be forced true regardless of file content")
	}
	if cfg.Portscan.TimeoutMS != 500 {
		t.Fatalf("expected unset portscan.timeout_ms to keep default 500, got %d", cfg.Portscan.TimeoutMS)
	}
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadCredentials_ParsesSeparateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.yaml")
	contents := "directory_password: s3cret\ncentral_api_key: abc123\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if creds.DirectoryPassword != "s3cret" || creds.CentralAPIKey != "abc123" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}
