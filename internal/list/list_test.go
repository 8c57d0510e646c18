package list

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zmt/internal/manifest"
	"zmt/internal/util"
)

type fixture struct {
	cfgPath string
	state   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{state: filepath.Join(dir, "state")}

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
`, fx.state, filepath.Join(dir, "bak1"), filepath.Join(dir, "bak2"))
	fx.cfgPath = filepath.Join(dir, "zmt.yaml")
	require.NoError(t, os.WriteFile(fx.cfgPath, []byte(cfg), 0o644))
	return fx
}

func entry(group, sinkID, dataset string, seq uint64, status manifest.Status, size int64) *manifest.Entry {
	kind, base := manifest.KindIncremental, seq-1
	if seq == 1 {
		kind, base = manifest.KindFull, 0
	}
	return &manifest.Entry{
		TargetGroup: group,
		Sink:        sinkID,
		Dataset:     dataset,
		Seq:         seq,
		Base:        base,
		Kind:        kind,
		Artifact:    fmt.Sprintf("zfs/%s/zmt_%d.zfs", dataset, seq),
		Checksum:    "deadbeef",
		Bytes:       size,
		Status:      status,
		Run:         "01JE0000000000000000000000",
		UpdatedAt:   time.Date(2026, 3, 14, 9, 0, int(seq), 0, time.UTC),
	}
}

func (fx *fixture) seed(t *testing.T, entries ...*manifest.Entry) {
	t.Helper()
	require.NoError(t, os.MkdirAll(fx.state, 0o755))
	store, err := manifest.Open(util.ManifestPath(fx.state))
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, store.Record(e))
	}
	require.NoError(t, store.Close())
}

func TestCollectRowsAndSummary(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		entry("offsite", "local:/bak1", "tank", 1, manifest.StatusComplete, 100),
		entry("offsite", "local:/bak1", "tank", 2, manifest.StatusComplete, 40),
		entry("archive", "local:/bak2", "tank", 1, manifest.StatusComplete, 100),
	)

	out, err := Collect(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	require.Len(t, out.Rows, 2)

	archive, offsite := out.Rows[0], out.Rows[1]
	assert.Equal(t, "archive", archive.TargetGroup)
	assert.Equal(t, uint64(1), archive.LatestComplete)
	assert.Equal(t, uint64(2), archive.NewestRecorded)
	assert.Equal(t, uint64(1), archive.Lag)
	assert.Equal(t, StateBehind, archive.State)

	assert.Equal(t, "offsite", offsite.TargetGroup)
	assert.Equal(t, uint64(2), offsite.LatestComplete)
	assert.Equal(t, uint64(0), offsite.Lag)
	assert.Equal(t, StateOK, offsite.State)
	assert.Equal(t, int64(140), offsite.Bytes)
	assert.Equal(t, "2026-03-14 09:00:02", offsite.UpdatedAt)

	assert.Equal(t, uint(1), out.Summary.Datasets)
	assert.Equal(t, uint(2), out.Summary.Sinks)
	assert.Equal(t, uint(1), out.Summary.UpToDate)
	assert.Equal(t, uint(1), out.Summary.Behind)
	assert.Equal(t, uint(0), out.Summary.Degraded)
}

func TestCollectDemotedRowsDegrade(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		entry("offsite", "local:/bak1", "tank", 1, manifest.StatusComplete, 100),
		entry("offsite", "local:/bak1", "tank", 2, manifest.StatusFailed, 0),
		entry("offsite", "local:/bak1", "tank", 3, manifest.StatusMissing, 0),
	)

	out, err := Collect(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	r := out.Rows[0]
	assert.Equal(t, uint64(1), r.LatestComplete)
	assert.Equal(t, uint64(3), r.NewestRecorded)
	assert.Equal(t, uint64(2), r.Lag)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Missing)
	assert.Equal(t, StateDegraded, r.State, "demotions outrank plain lag")
	assert.Equal(t, int64(100), r.Bytes, "only complete artifacts count toward size")
}

func TestCollectLagSeesUnselectedGroups(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		entry("offsite", "local:/bak1", "tank", 1, manifest.StatusComplete, 100),
		entry("offsite", "local:/bak1", "tank", 2, manifest.StatusComplete, 40),
		entry("archive", "local:/bak2", "tank", 1, manifest.StatusComplete, 100),
	)

	out, err := Collect(context.Background(), Options{ConfigPath: fx.cfgPath, Groups: []string{"archive"}})

	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, uint64(2), out.Rows[0].NewestRecorded,
		"a filtered listing still measures lag against every recorded sequence")
	assert.Equal(t, StateBehind, out.Rows[0].State)
}

func TestCollectFilters(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		entry("offsite", "local:/bak1", "tank", 1, manifest.StatusComplete, 100),
		entry("offsite", "local:/bak1", "tank/vm", 1, manifest.StatusComplete, 50),
	)

	out, err := Collect(context.Background(), Options{ConfigPath: fx.cfgPath, Datasets: []string{"tank/vm"}})
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "tank/vm", out.Rows[0].Dataset)

	_, err = Collect(context.Background(), Options{ConfigPath: fx.cfgPath, Groups: []string{"nope"}})
	require.Error(t, err, "an unknown target group is a configuration error")
}

func TestCollectEmptyManifest(t *testing.T) {
	fx := newFixture(t)

	out, err := Collect(context.Background(), Options{ConfigPath: fx.cfgPath})

	require.NoError(t, err)
	assert.NotNil(t, out.Rows)
	assert.Empty(t, out.Rows)
	assert.Equal(t, uint(0), out.Summary.Datasets)
}

func TestWriteTable(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t,
		entry("offsite", "local:/bak1", "tank", 1, manifest.StatusComplete, 2048),
	)
	out, err := Collect(context.Background(), Options{ConfigPath: fx.cfgPath})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeTable(&buf, out))

	assert.Contains(t, buf.String(), "tank")
	assert.Contains(t, buf.String(), "2.0 KiB")
	assert.Contains(t, buf.String(), "1 datasets on 1 sinks: 1 up to date, 0 behind, 0 degraded")

	var empty bytes.Buffer
	require.NoError(t, writeTable(&empty, &Output{Rows: []Row{}}))
	assert.Equal(t, "No artifacts recorded.\n", empty.String())
}
