// Package chain decides, per dataset and per sink, which snapshot streams
// have to be produced to bring every replica chain up to date: fresh fulls
// for empty sinks, incremental catch-up steps, re-sends of demoted
// artifacts, and full restarts when a chain's anchor snapshot is gone.
package chain

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ChainBrokenError reports that a replica chain cannot be extended or
// repaired because a snapshot it depends on no longer exists on the source,
// or that a restore chain has an unsatisfiable link.
type ChainBrokenError struct {
	Dataset string
	Group   string
	Seq     uint64
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("chain broken for dataset %s in target group %s: sequence %d is unavailable",
		e.Dataset, e.Group, e.Seq)
}

// SnapshotName builds the snapshot name for a sequence under a prefix.
func SnapshotName(prefix string, seq uint64) string {
	return fmt.Sprintf("%s_%d", prefix, seq)
}

// ParseSequence extracts the sequence from a snapshot name. Names that do
// not carry the prefix or a positive decimal sequence are not ours.
func ParseSequence(prefix, name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

// ParseSequences filters snapshot names down to the ascending, deduplicated
// sequences under the prefix.
func ParseSequences(prefix string, names []string) []uint64 {
	seen := map[uint64]bool{}
	var seqs []uint64
	for _, name := range names {
		if seq, ok := ParseSequence(prefix, name); ok && !seen[seq] {
			seen[seq] = true
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// ArtifactPath is the sink-relative location of a step's artifact.
func ArtifactPath(dataset, prefix string, seq uint64, encrypted bool) string {
	name := SnapshotName(prefix, seq) + ".zfs"
	if encrypted {
		name += ".age"
	}
	return path.Join("zfs", dataset, name)
}

// Advance reports the goal sequence for a dataset and whether a snapshot
// has to be created for it. A dataset with no snapshots starts after the
// highest sequence the manifest ever recorded, never at a number a sink
// may already hold an artifact for; an unchanged dataset keeps its newest
// snapshot so an immediate re-run does no work.
func Advance(existing []uint64, recorded, written uint64) (uint64, bool) {
	if len(existing) == 0 {
		return recorded + 1, true
	}
	newest := existing[len(existing)-1]
	if written > 0 {
		if recorded > newest {
			newest = recorded
		}
		return newest + 1, true
	}
	return newest, false
}

// Record is a sink's manifest row reduced to what planning needs.
type Record struct {
	Seq      uint64
	Base     uint64
	Complete bool
}

// SinkState is one sink's replica history for a dataset.
type SinkState struct {
	Group   string
	Sink    string
	Records []Record
}

// Need names one sink that must receive a step's artifact.
type Need struct {
	Group string
	Sink  string
}

// Step is one send pass: a full stream when Base is zero, otherwise an
// incremental from Base to Target, fanned out to every sink in Needs.
// Deps are the steps that must have completed on every sink before this
// one may run.
type Step struct {
	Dataset string
	Base    uint64
	Target  uint64
	Needs   []Need
	Deps    []*Step
}

func (s *Step) Full() bool { return s.Base == 0 }

func (s *Step) String() string {
	if s.Full() {
		return fmt.Sprintf("%s full@%d", s.Dataset, s.Target)
	}
	return fmt.Sprintf("%s incremental %d->%d", s.Dataset, s.Base, s.Target)
}

// Plan computes the step graph for one dataset. seqs are the ascending
// sequences present on the source, sinks the manifest history per sink.
// Identical (base, target) steps wanted by several sinks merge into one
// node so the stream is generated exactly once. Chains that cannot be
// extended are reported per target group; their sinks get no steps unless
// fullResend restarts them with a fresh full of the newest snapshot.
func Plan(dataset string, seqs []uint64, sinks []SinkState, includeIntermediate, fullResend bool) ([]*Step, []*ChainBrokenError) {
	if len(seqs) == 0 {
		return nil, nil
	}
	newest := seqs[len(seqs)-1]
	present := map[uint64]bool{}
	for _, s := range seqs {
		present[s] = true
	}

	type key struct{ base, target uint64 }
	nodes := map[key]*Step{}
	broken := map[string]*ChainBrokenError{}

	markBroken := func(group string, seq uint64) {
		if prev, ok := broken[group]; !ok || seq < prev.Seq {
			broken[group] = &ChainBrokenError{Dataset: dataset, Group: group, Seq: seq}
		}
	}

	ensure := func(k key) *Step {
		if n, ok := nodes[k]; ok {
			return n
		}
		n := &Step{Dataset: dataset, Base: k.base, Target: k.target}
		nodes[k] = n
		return n
	}

	addDep := func(n, dep *Step) {
		for _, d := range n.Deps {
			if d == dep {
				return
			}
		}
		n.Deps = append(n.Deps, dep)
	}

	for _, sink := range sinks {
		complete := map[uint64]bool{}
		latest := uint64(0)
		for _, r := range sink.Records {
			if r.Complete {
				complete[r.Seq] = true
				if r.Seq > latest {
					latest = r.Seq
				}
			}
		}

		fullRestart := func() {
			if !complete[newest] {
				n := ensure(key{0, newest})
				n.Needs = append(n.Needs, Need{Group: sink.Group, Sink: sink.Sink})
			}
		}

		// Re-send demoted or failed artifacts below the chain tip, so a
		// single bad artifact heals without touching its neighbors.
		healable := true
		var heals []key
		for _, r := range sink.Records {
			if r.Complete || r.Seq >= latest {
				continue
			}
			if !present[r.Seq] || (r.Base != 0 && !present[r.Base]) {
				markBroken(sink.Group, r.Seq)
				healable = false
				continue
			}
			heals = append(heals, key{r.Base, r.Seq})
		}
		if !healable {
			if fullResend {
				fullRestart()
			}
			continue
		}
		for _, k := range heals {
			n := ensure(k)
			n.Needs = append(n.Needs, Need{Group: sink.Group, Sink: sink.Sink})
		}

		// Extend the chain up to the newest snapshot.
		var route []key
		switch {
		case latest == 0:
			route = []key{{0, newest}}
		case latest == newest:
			// Up to date.
		case !present[latest]:
			if fullResend {
				fullRestart()
			} else {
				markBroken(sink.Group, latest)
			}
			continue
		case includeIntermediate:
			prev := latest
			for _, s := range seqs {
				if s <= latest {
					continue
				}
				route = append(route, key{prev, s})
				prev = s
			}
		default:
			route = []key{{latest, newest}}
		}

		var prevNode *Step
		for _, k := range route {
			n := ensure(k)
			n.Needs = append(n.Needs, Need{Group: sink.Group, Sink: sink.Sink})
			if prevNode != nil {
				addDep(n, prevNode)
			}
			prevNode = n
		}
	}

	steps := make([]*Step, 0, len(nodes))
	for _, n := range nodes {
		steps = append(steps, n)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Target != steps[j].Target {
			return steps[i].Target < steps[j].Target
		}
		return steps[i].Base < steps[j].Base
	})

	errs := make([]*ChainBrokenError, 0, len(broken))
	for _, e := range broken {
		errs = append(errs, e)
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Group < errs[j].Group })

	return steps, errs
}
