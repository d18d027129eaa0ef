package clientconfig

import "testing"

func TestLoadFirstRunGeneratesMachineID(t *testing.T) {
	dir := New(t.TempDir())
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MachineID == "" {
		t.Error("expected generated machine id")
	}
	if cfg.LastBackupNumber != -1 {
		t.Errorf("expected last backup number -1 on first run, got %d", cfg.LastBackupNumber)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := New(t.TempDir())
	cfg := Config{MachineID: "abc-123", LastBackupNumber: 5}
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.MachineID != cfg.MachineID || got.LastBackupNumber != cfg.LastBackupNumber {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestLoadMachineIDStableAcrossSaves(t *testing.T) {
	dir := New(t.TempDir())
	first, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(dir, first); err != nil {
		t.Fatal(err)
	}
	first.LastBackupNumber = 3
	if err := Save(dir, first); err != nil {
		t.Fatal(err)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second.MachineID != first.MachineID {
		t.Errorf("expected machine id unchanged across saves, got %s vs %s", second.MachineID, first.MachineID)
	}
	if second.LastBackupNumber != 3 {
		t.Errorf("expected last backup number persisted, got %d", second.LastBackupNumber)
	}
}
