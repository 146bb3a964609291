package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCoalesce_KeepsHighestSlotPerAddress(t *testing.T) {
	writes := []AccountWrite{
		{Applied: AppliedRow{UpdateID: "a"}, Position: &PositionRow{Address: "X", Slot: 5, Data: []byte{5}}},
		{Applied: AppliedRow{UpdateID: "b"}, Position: &PositionRow{Address: "X", Slot: 3, Data: []byte{3}}},
		{Applied: AppliedRow{UpdateID: "c"}, Position: &PositionRow{Address: "Y", Slot: 1}},
		{Applied: AppliedRow{UpdateID: "d"}, Custody: &CustodyRow{Address: "C", Amount: 10, Slot: 2}},
		{Applied: AppliedRow{UpdateID: "e"}, Custody: &CustodyRow{Address: "C", Amount: 20, Slot: 4}},
		{Applied: AppliedRow{UpdateID: "f"}, Clock: &ClockRow{UnixTime: 100, Slot: 9}},
		{Applied: AppliedRow{UpdateID: "g"}, Clock: &ClockRow{UnixTime: 90, Slot: 8}},
		{Applied: AppliedRow{UpdateID: "a"}, Metadata: &MetadataRow{Address: "M", Slot: 1}},
	}

	b := coalesce(writes)

	if len(b.positions) != 2 {
		t.Fatalf("positions: got %d, want 2", len(b.positions))
	}
	if b.positions[0].Slot != 5 || b.positions[0].Data[0] != 5 {
		t.Errorf("X: got slot %d, want 5", b.positions[0].Slot)
	}
	if len(b.custody) != 1 || b.custody[0].Amount != 20 {
		t.Errorf("custody: got %+v, want amount 20", b.custody)
	}
	if b.clock == nil || b.clock.UnixTime != 100 {
		t.Errorf("clock: got %+v, want unix 100", b.clock)
	}
	if len(b.metadata) != 1 {
		t.Errorf("metadata: got %d, want 1", len(b.metadata))
	}
	if len(b.applied) != 7 {
		t.Errorf("applied: got %d, want 7 (duplicate id collapsed)", len(b.applied))
	}
}

func TestCoalesce_EqualSlotLaterWins(t *testing.T) {
	b := coalesce([]AccountWrite{
		{Metadata: &MetadataRow{Address: "M", Owner: "first", Slot: 7}},
		{Metadata: &MetadataRow{Address: "M", Owner: "second", Slot: 7}},
	})
	if b.metadata[0].Owner != "second" {
		t.Errorf("got %s, want second", b.metadata[0].Owner)
	}
}

func TestPlaceholders(t *testing.T) {
	got := placeholders(2, 3)
	want := "($1, $2, $3), ($4, $5, $6)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractVersion(t *testing.T) {
	if got := extractVersion("000001_stake_accounts.up.sql"); got != "000001" {
		t.Errorf("got %s, want 000001", got)
	}
}

func TestListMigrationFiles_Sorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000002_b.up.sql", "000001_a.up.sql", "000001_a.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := listMigrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0] != "000001_a.up.sql" || files[1] != "000002_b.up.sql" {
		t.Errorf("got %v", files)
	}
}
