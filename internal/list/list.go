// Package list renders the replica state the manifest holds: one row per
// dataset, target group and sink, with the newest complete sequence and how
// far it trails the newest sequence any run assigned. It only reads.
package list

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"zmt/internal/config"
	"zmt/internal/manifest"
	"zmt/internal/util"
)

type Options struct {
	ConfigPath string
	Groups     []string // empty means every target group
	Datasets   []string // empty means every dataset with entries
	JSON       bool
}

// Row is the replica state of one dataset on one sink.
type Row struct {
	Dataset        string `json:"dataset"`
	TargetGroup    string `json:"target_group"`
	Sink           string `json:"sink"`
	LatestComplete uint64 `json:"latest_complete"`
	NewestRecorded uint64 `json:"newest_recorded"`
	Lag            uint64 `json:"lag"`
	Complete       int    `json:"complete"`
	Failed         int    `json:"failed"`
	Missing        int    `json:"missing"`
	Bytes          int64  `json:"bytes"`
	State          string `json:"state"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

type Output struct {
	Rows    []Row `json:"rows"`
	Summary struct {
		Datasets uint `json:"datasets"`
		Sinks    uint `json:"sinks"`
		UpToDate uint `json:"up_to_date"`
		Behind   uint `json:"behind"`
		Degraded uint `json:"degraded"`
	} `json:"summary"`
}

// Row states. A row is degraded as soon as verification demoted anything on
// it, behind when it merely trails the newest recorded sequence.
const (
	StateOK       = "ok"
	StateBehind   = "behind"
	StateDegraded = "degraded"
)

// Run prints the listing for the selected target groups and datasets, as a
// table or as indented JSON.
func Run(ctx context.Context, opts Options) error {
	out, err := Collect(ctx, opts)
	if err != nil {
		return err
	}
	if opts.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	}
	return writeTable(os.Stdout, out)
}

// Collect assembles the listing without rendering it.
func Collect(ctx context.Context, opts Options) (*Output, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := util.SetupDirectories(cfg.StateDir); err != nil {
		return nil, err
	}

	groups, err := selectGroups(cfg, opts.Groups)
	if err != nil {
		return nil, err
	}
	datasets := map[string]bool{}
	for _, ds := range opts.Datasets {
		datasets[ds] = true
	}

	store, err := manifest.Open(util.ManifestPath(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	out := &Output{Rows: []Row{}}
	newest := map[string]uint64{}
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := store.Entries(group.Name, "")
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if len(datasets) > 0 && !datasets[e.Dataset] {
				continue
			}
			if _, ok := newest[e.Dataset]; !ok {
				// The ceiling counts every sink and group, not just the
				// ones selected, so filtered listings still show real lag.
				seq, err := store.MaxSeq(e.Dataset)
				if err != nil {
					return nil, err
				}
				newest[e.Dataset] = seq
			}
		}
		out.Rows = append(out.Rows, groupRows(entries, datasets, newest)...)
	}

	sort.Slice(out.Rows, func(i, j int) bool {
		a, b := out.Rows[i], out.Rows[j]
		if a.Dataset != b.Dataset {
			return a.Dataset < b.Dataset
		}
		if a.TargetGroup != b.TargetGroup {
			return a.TargetGroup < b.TargetGroup
		}
		return a.Sink < b.Sink
	})

	seenDataset := map[string]bool{}
	seenSink := map[string]bool{}
	for _, r := range out.Rows {
		seenDataset[r.Dataset] = true
		seenSink[r.Sink] = true
		switch r.State {
		case StateDegraded:
			out.Summary.Degraded++
		case StateBehind:
			out.Summary.Behind++
		default:
			out.Summary.UpToDate++
		}
	}
	out.Summary.Datasets = uint(len(seenDataset))
	out.Summary.Sinks = uint(len(seenSink))

	return out, nil
}

func selectGroups(cfg *config.Config, names []string) ([]*config.TargetGroup, error) {
	if len(names) == 0 {
		out := make([]*config.TargetGroup, 0, len(cfg.TargetGroups))
		for i := range cfg.TargetGroups {
			out = append(out, &cfg.TargetGroups[i])
		}
		return out, nil
	}
	var out []*config.TargetGroup
	for _, name := range names {
		group, err := cfg.FindGroup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, nil
}

func groupRows(entries []*manifest.Entry, datasets map[string]bool, newest map[string]uint64) []Row {
	type key struct {
		dataset string
		group   string
		sink    string
	}
	buckets := map[key][]*manifest.Entry{}
	var order []key
	for _, e := range entries {
		if len(datasets) > 0 && !datasets[e.Dataset] {
			continue
		}
		k := key{e.Dataset, e.TargetGroup, e.Sink}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], e)
	}

	rows := make([]Row, 0, len(order))
	for _, k := range order {
		r := Row{
			Dataset:        k.dataset,
			TargetGroup:    k.group,
			Sink:           k.sink,
			NewestRecorded: newest[k.dataset],
		}
		var updated time.Time
		for _, e := range buckets[k] {
			switch e.Status {
			case manifest.StatusComplete:
				r.Complete++
				r.Bytes += e.Bytes
				if e.Seq > r.LatestComplete {
					r.LatestComplete = e.Seq
				}
			case manifest.StatusFailed:
				r.Failed++
			case manifest.StatusMissing:
				r.Missing++
			}
			if e.UpdatedAt.After(updated) {
				updated = e.UpdatedAt
			}
		}
		if r.NewestRecorded > r.LatestComplete {
			r.Lag = r.NewestRecorded - r.LatestComplete
		}
		switch {
		case r.Failed+r.Missing > 0:
			r.State = StateDegraded
		case r.Lag > 0:
			r.State = StateBehind
		default:
			r.State = StateOK
		}
		if !updated.IsZero() {
			r.UpdatedAt = updated.Format("2006-01-02 15:04:05")
		}
		rows = append(rows, r)
	}
	return rows
}

func writeTable(w io.Writer, out *Output) error {
	if len(out.Rows) == 0 {
		fmt.Fprintln(w, "No artifacts recorded.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Dataset", "Group", "Sink", "Latest", "Newest", "Lag", "Failed", "Missing", "Size", "State", "Updated")
	for _, r := range out.Rows {
		latest := "-"
		if r.LatestComplete > 0 {
			latest = strconv.FormatUint(r.LatestComplete, 10)
		}
		_ = table.Append([]string{
			r.Dataset,
			r.TargetGroup,
			r.Sink,
			latest,
			strconv.FormatUint(r.NewestRecorded, 10),
			strconv.FormatUint(r.Lag, 10),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Missing),
			util.HumanBytes(r.Bytes),
			r.State,
			r.UpdatedAt,
		})
	}
	_ = table.Render()

	fmt.Fprintf(w, "%d datasets on %d sinks: %d up to date, %d behind, %d degraded\n",
		out.Summary.Datasets, out.Summary.Sinks,
		out.Summary.UpToDate, out.Summary.Behind, out.Summary.Degraded)
	return nil
}
