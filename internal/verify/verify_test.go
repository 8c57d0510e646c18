package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"zmt/internal/manifest"
	"zmt/internal/sink"
	"zmt/internal/util"
)

type fixture struct {
	cfgPath string
	state   string
	bak1    string // offsite
	bak2    string // archive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{
		state: filepath.Join(dir, "state"),
		bak1:  filepath.Join(dir, "bak1"),
		bak2:  filepath.Join(dir, "bak2"),
	}
	require.NoError(t, os.MkdirAll(fx.state, 0o755))
	for _, bak := range []string{fx.bak1, fx.bak2} {
		require.NoError(t, os.MkdirAll(filepath.Join(bak, "zfs"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(bak, "zfs", ".initialized"), nil, 0o644))
	}

	cfg := fmt.Sprintf(`
state_dir: %s
target_groups:
  - name: offsite
    paths: [%s]
  - name: archive
    paths: [%s]
sources:
  - name: main
    datasets: [tank]
    target_groups: [offsite, archive]
`, fx.state, fx.bak1, fx.bak2)
	fx.cfgPath = filepath.Join(dir, "zmt.yaml")
	require.NoError(t, os.WriteFile(fx.cfgPath, []byte(cfg), 0o644))
	return fx
}

func checksum(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// place writes an artifact onto a sink and returns the complete manifest
// entry describing it.
func (fx *fixture) place(t *testing.T, group, bak, dataset string, seq uint64, data []byte) *manifest.Entry {
	t.Helper()
	artifact := fmt.Sprintf("zfs/%s/zmt_%d.zfs", dataset, seq)
	full := filepath.Join(bak, filepath.FromSlash(artifact))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))

	kind, base := manifest.KindIncremental, seq-1
	if seq == 1 {
		kind, base = manifest.KindFull, 0
	}
	return &manifest.Entry{
		TargetGroup: group,
		Sink:        "local:" + filepath.ToSlash(bak),
		Dataset:     dataset,
		Seq:         seq,
		Base:        base,
		Kind:        kind,
		Artifact:    artifact,
		Checksum:    checksum(data),
		Bytes:       int64(len(data)),
		Status:      manifest.StatusComplete,
		Run:         "01JE0000000000000000000000",
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func (fx *fixture) seed(t *testing.T, entries ...*manifest.Entry) {
	t.Helper()
	store, err := manifest.Open(util.ManifestPath(fx.state))
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, store.Record(e))
	}
	require.NoError(t, store.Close())
}

func (fx *fixture) reload(t *testing.T, e *manifest.Entry) *manifest.Entry {
	t.Helper()
	store, err := manifest.Open(util.ManifestPath(fx.state))
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(e.TargetGroup, e.Sink, e.Dataset, e.Seq)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestRunAllClean(t *testing.T) {
	fx := newFixture(t)
	e1 := fx.place(t, "offsite", fx.bak1, "tank", 1, []byte("full stream"))
	e2 := fx.place(t, "offsite", fx.bak1, "tank", 2, []byte("incremental stream"))
	fx.seed(t, e1, e2)

	f, err := Run(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	assert.False(t, f.Failed())
	assert.Equal(t, 2, f.Checked)
	assert.Equal(t, 2, f.OK)
	assert.Empty(t, f.Items)
	assert.Equal(t, manifest.StatusComplete, fx.reload(t, e1).Status)
}

func TestRunDemotesMissingArtifact(t *testing.T) {
	fx := newFixture(t)
	e1 := fx.place(t, "offsite", fx.bak1, "tank", 1, []byte("full stream"))
	e2 := fx.place(t, "offsite", fx.bak1, "tank", 2, []byte("incremental stream"))
	fx.seed(t, e1, e2)
	require.NoError(t, os.Remove(filepath.Join(fx.bak1, "zfs", "tank", "zmt_2.zfs")))

	f, err := Run(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	assert.True(t, f.Failed())
	assert.Equal(t, 1, f.Missing)
	assert.Equal(t, 1, f.OK)
	require.Len(t, f.Items, 1)
	assert.Equal(t, ClassMissing, f.Items[0].Class)
	assert.Equal(t, uint64(2), f.Items[0].Entry.Seq)

	assert.Equal(t, manifest.StatusMissing, fx.reload(t, e2).Status)
	assert.Equal(t, manifest.StatusComplete, fx.reload(t, e1).Status)
}

func TestRunDemotesChecksumMismatch(t *testing.T) {
	fx := newFixture(t)
	e := fx.place(t, "offsite", fx.bak1, "tank", 1, []byte("full stream"))
	fx.seed(t, e)
	require.NoError(t, os.WriteFile(
		filepath.Join(fx.bak1, "zfs", "tank", "zmt_1.zfs"), []byte("bitrot"), 0o644))

	f, err := Run(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	assert.Equal(t, 1, f.Mismatched)
	require.Len(t, f.Items, 1)
	assert.Equal(t, ClassMismatch, f.Items[0].Class)
	var mismatch *manifest.ChecksumMismatchError
	require.ErrorAs(t, f.Items[0].Err, &mismatch)
	assert.Equal(t, checksum([]byte("bitrot")), mismatch.Got)

	got := fx.reload(t, e)
	assert.Equal(t, manifest.StatusFailed, got.Status)
	assert.Equal(t, e.Checksum, got.Checksum, "the expected checksum stays on record")
}

func TestRunSkipsNonCompleteRows(t *testing.T) {
	fx := newFixture(t)
	e := fx.place(t, "offsite", fx.bak1, "tank", 1, []byte("full stream"))
	e.Status = manifest.StatusFailed
	fx.seed(t, e)

	f, err := Run(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	assert.False(t, f.Failed())
	assert.Equal(t, 0, f.Checked)
}

func TestRunFilters(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		fx.place(t, "offsite", fx.bak1, "tank", 1, []byte("one")),
		fx.place(t, "offsite", fx.bak1, "tank/vm", 1, []byte("two")),
		fx.place(t, "archive", fx.bak2, "tank", 1, []byte("three")),
	)

	f, err := Run(context.Background(), Options{ConfigPath: fx.cfgPath, Groups: []string{"offsite"}})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Checked)

	f, err = Run(context.Background(), Options{ConfigPath: fx.cfgPath, Datasets: []string{"tank"}})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Checked)

	_, err = Run(context.Background(), Options{ConfigPath: fx.cfgPath, Groups: []string{"nope"}})
	require.Error(t, err)
}

func TestRunDeadSinkLeavesRowsAlone(t *testing.T) {
	fx := newFixture(t)
	e := fx.place(t, "archive", fx.bak2, "tank", 1, []byte("full stream"))
	fx.seed(t, e)
	require.NoError(t, os.Remove(filepath.Join(fx.bak2, "zfs", ".initialized")))

	f, err := Run(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	assert.True(t, f.Failed())
	require.Len(t, f.Dead, 1)
	assert.Equal(t, "archive", f.Dead[0].Group)
	assert.ErrorIs(t, f.Dead[0].Err, sink.ErrNotInitialized)
	assert.Equal(t, 0, f.Checked)
	assert.Equal(t, manifest.StatusComplete, fx.reload(t, e).Status,
		"an unreachable sink must not demote anything")
}
