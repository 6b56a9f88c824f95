package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ledgerkv/ledgerkv/kv"
)

func touchFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestAddAndReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dataPath := filepath.Join(dir, "sst-0-1.data")
	metaPath := filepath.Join(dir, "sst-0-1.meta")
	touchFile(t, dataPath)
	touchFile(t, metaPath)

	d := Descriptor{ID: 1, Level: 0, DataPath: dataPath, MetaPath: metaPath, MinKey: []byte("a"), MaxKey: []byte("z"), Count: 3}
	if err := c.AddSSTable(d); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	c2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	got := c2.Level(0)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected one descriptor with ID 1, got %+v", got)
	}
}

func TestL0AddPrependsNewest(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		dataPath := filepath.Join(dir, "data"+string(rune('0'+i)))
		metaPath := filepath.Join(dir, "meta"+string(rune('0'+i)))
		touchFile(t, dataPath)
		touchFile(t, metaPath)
		if err := c.AddSSTable(Descriptor{ID: i, Level: 0, DataPath: dataPath, MetaPath: metaPath}); err != nil {
			t.Fatalf("AddSSTable: %v", err)
		}
	}

	got := c.Level(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(got))
	}
	if got[0].ID != 3 || got[2].ID != 1 {
		t.Fatalf("expected newest-first order, got ids %d,%d,%d", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestReopenMissingFileIsRecoveryError(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dataPath := filepath.Join(dir, "sst-0-1.data")
	metaPath := filepath.Join(dir, "sst-0-1.meta")
	touchFile(t, dataPath)
	touchFile(t, metaPath)
	if err := c.AddSSTable(Descriptor{ID: 1, Level: 0, DataPath: dataPath, MetaPath: metaPath}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	// Simulate the data file having been removed out from under the catalog
	// without it being a known ".tmp" temporary: a hard recovery failure.
	if err := os.Remove(dataPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	_, err = Open(dir, nil)
	if !kv.IsKind(err, kv.KindRecovery) {
		t.Fatalf("expected a KindRecovery error, got %v", err)
	}
}

func TestReopenDropsDescriptorReferencingKnownTemporary(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// dataPath itself has never been finalized (still at its .tmp name);
	// it matches a known temporary, so recovery tolerates its absence
	// instead of failing.
	dataPath := filepath.Join(dir, "sst-0-1.data.tmp")
	metaPath := filepath.Join(dir, "sst-0-1.meta")
	touchFile(t, metaPath)
	if err := c.AddSSTable(Descriptor{ID: 1, Level: 0, DataPath: dataPath, MetaPath: metaPath}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	c2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	if got := c2.Level(0); len(got) != 0 {
		t.Fatalf("expected the temporary-referencing descriptor to be dropped, got %+v", got)
	}
}

func TestOpenFallsBackToBackupManifest(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dataPath1 := filepath.Join(dir, "sst-0-1.data")
	metaPath1 := filepath.Join(dir, "sst-0-1.meta")
	touchFile(t, dataPath1)
	touchFile(t, metaPath1)
	if err := c.AddSSTable(Descriptor{ID: 1, Level: 0, DataPath: dataPath1, MetaPath: metaPath1}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	dataPath2 := filepath.Join(dir, "sst-0-2.data")
	metaPath2 := filepath.Join(dir, "sst-0-2.meta")
	touchFile(t, dataPath2)
	touchFile(t, metaPath2)
	if err := c.AddSSTable(Descriptor{ID: 2, Level: 0, DataPath: dataPath2, MetaPath: metaPath2}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	// Corrupt the live manifest; the committed .bak (from the second write,
	// covering the state after the first AddSSTable) should be recovered.
	if err := os.WriteFile(manifestPath(dir), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	got := c2.Level(0)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected the backup manifest's single descriptor (ID 1), got %+v", got)
	}
}

func TestReplaceForCompactionSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	inputs := []Descriptor{}
	for i := uint64(1); i <= 2; i++ {
		dataPath := filepath.Join(dir, "in"+string(rune('0'+i))+".data")
		metaPath := filepath.Join(dir, "in"+string(rune('0'+i))+".meta")
		touchFile(t, dataPath)
		touchFile(t, metaPath)
		d := Descriptor{ID: i, Level: 0, DataPath: dataPath, MetaPath: metaPath}
		inputs = append(inputs, d)
		if err := c.AddSSTable(d); err != nil {
			t.Fatalf("AddSSTable: %v", err)
		}
	}

	outDataPath := filepath.Join(dir, "out.data")
	outMetaPath := filepath.Join(dir, "out.meta")
	touchFile(t, outDataPath)
	touchFile(t, outMetaPath)
	output := Descriptor{ID: 100, Level: 1, DataPath: outDataPath, MetaPath: outMetaPath, MinKey: []byte("a"), MaxKey: []byte("z")}

	if err := c.ReplaceForCompaction(map[int][]uint64{0: {1, 2}}, []Descriptor{output}); err != nil {
		t.Fatalf("ReplaceForCompaction: %v", err)
	}

	if got := c.Level(0); len(got) != 0 {
		t.Fatalf("expected L0 to be empty after compaction swap, got %+v", got)
	}
	got := c.Level(1)
	if len(got) != 1 || got[0].ID != 100 {
		t.Fatalf("expected L1 to contain the compaction output, got %+v", got)
	}
}

func TestManifestBackupRetainedAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dataPath := filepath.Join(dir, "sst-0-1.data")
	metaPath := filepath.Join(dir, "sst-0-1.meta")
	touchFile(t, dataPath)
	touchFile(t, metaPath)
	if err := c.AddSSTable(Descriptor{ID: 1, Level: 0, DataPath: dataPath, MetaPath: metaPath}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	dataPath2 := filepath.Join(dir, "sst-0-2.data")
	metaPath2 := filepath.Join(dir, "sst-0-2.meta")
	touchFile(t, dataPath2)
	touchFile(t, metaPath2)
	if err := c.AddSSTable(Descriptor{ID: 2, Level: 0, DataPath: dataPath2, MetaPath: metaPath2}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, manifestFileName+".bak")); err != nil {
		t.Fatalf("expected a .bak manifest after the second write: %v", err)
	}
}
