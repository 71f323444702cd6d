package engine

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"runtime"
	"sort"
	"strconv"

	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/decay"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

// Input is everything one epoch finalization reads: the frozen stake
// snapshot plus the evaluations and review results gathered during the
// epoch.
type Input struct {
	Epoch       uint64
	Stakes      map[string]uint64
	Evaluations []aggregate.Evaluation
	Reviews     map[string][]review.Result
}

// TotalStake returns the active stake of the snapshot.
func (in Input) TotalStake() uint64 {
	var total uint64
	for _, s := range in.Stakes {
		total += s
	}
	return total
}

// Digest identifies the input together with the decay state it is applied
// to. Equal digests always produce equal outcomes.
func (in Input) Digest(prev decay.State) string {
	h := sha3.New256()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeStr := func(s string) {
		writeU64(uint64(len(s)))
		h.Write([]byte(s))
	}
	writeF64 := func(f float64) { writeU64(math.Float64bits(f)) }

	writeU64(in.Epoch)

	ids := make([]string, 0, len(in.Stakes))
	for id := range in.Stakes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	writeU64(uint64(len(ids)))
	for _, id := range ids {
		writeStr(id)
		writeU64(in.Stakes[id])
	}

	evals := append([]aggregate.Evaluation(nil), in.Evaluations...)
	sort.Slice(evals, func(i, j int) bool {
		if evals[i].SubmissionID != evals[j].SubmissionID {
			return evals[i].SubmissionID < evals[j].SubmissionID
		}
		return evals[i].Validator < evals[j].Validator
	})
	writeU64(uint64(len(evals)))
	for _, e := range evals {
		writeStr(e.SubmissionID)
		writeStr(e.Validator)
		writeStr(e.Miner)
		writeU64(uint64(e.SubmittedAt))
		writeF64(e.Score)
	}

	subs := make([]string, 0, len(in.Reviews))
	for id := range in.Reviews {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	for _, id := range subs {
		rs := append([]review.Result(nil), in.Reviews[id]...)
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].Kind != rs[j].Kind {
				return rs[i].Kind < rs[j].Kind
			}
			return rs[i].Reviewer < rs[j].Reviewer
		})
		writeStr(id)
		writeU64(uint64(len(rs)))
		for _, r := range rs {
			writeStr(string(r.Kind))
			writeStr(r.Reviewer)
			writeF64(r.Score)
			writeStr(strconv.FormatBool(r.Passed))
		}
	}

	state, _ := json.Marshal(prev)
	h.Write(state)
	return hex.EncodeToString(h.Sum(nil))
}

// Params are the consensus parameters of finalization.
type Params struct {
	Aggregate    aggregate.Params
	Weights      weights.Params
	Decay        decay.Params
	MinCodeScore float64
}

// Outcome is the result of finalizing one epoch.
type Outcome struct {
	Results    []aggregate.Result
	Reviews    map[string]review.Verdict
	Included   []weights.Candidate
	Vector     weights.Vector
	DecayAfter decay.State
	Events     []decay.Event
}

// Finalize runs the epoch batch: per-submission aggregation, the review
// gate, one submission per miner, normalization and cap, decay, burn and
// integer scaling. It performs no I/O and depends only on its arguments.
func Finalize(ctx context.Context, in Input, prev decay.State, p Params) (*Outcome, error) {
	groups := make(map[string][]aggregate.Evaluation)
	for _, e := range in.Evaluations {
		groups[e.SubmissionID] = append(groups[e.SubmissionID], e)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := in.TotalStake()
	results := make([]aggregate.Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := aggregate.Aggregate(groups[id], in.Stakes, total, p.Aggregate)
			if res.SubmissionID == "" {
				res.SubmissionID = id
				res.Miner = groups[id][0].Miner
				res.SubmittedAt = groups[id][0].SubmittedAt
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Outcome{Results: results, Reviews: make(map[string]review.Verdict)}
	latest := make(map[string]aggregate.Result)
	for _, res := range results {
		if res.Outcome != aggregate.Finalized {
			continue
		}
		verdict := review.Aggregate(in.Reviews[res.SubmissionID], p.MinCodeScore)
		out.Reviews[res.SubmissionID] = verdict
		if verdict.Outcome != review.Approved {
			continue
		}
		cur, ok := latest[res.Miner]
		if !ok || res.SubmittedAt > cur.SubmittedAt ||
			(res.SubmittedAt == cur.SubmittedAt && res.SubmissionID < cur.SubmissionID) {
			latest[res.Miner] = res
		}
	}

	miners := make([]string, 0, len(latest))
	for m := range latest {
		miners = append(miners, m)
	}
	sort.Strings(miners)
	cands := make([]weights.Candidate, 0, len(miners))
	decayCands := make([]decay.Candidate, 0, len(miners))
	for _, m := range miners {
		res := latest[m]
		cands = append(cands, weights.Candidate{Identity: m, Score: res.Score, SubmittedAt: res.SubmittedAt})
		decayCands = append(decayCands, decay.Candidate{
			Identity:     m,
			SubmissionID: res.SubmissionID,
			Score:        res.Score,
			SubmittedAt:  res.SubmittedAt,
		})
	}
	out.Included = cands

	dist := weights.ApplyCap(weights.Normalize(cands, p.Weights), p.Weights.Cap, p.Weights.BurnIdentity)
	ctrl := decay.NewController(p.Decay)
	out.DecayAfter, out.Events = ctrl.Advance(prev, in.Epoch, decayCands)
	dist = decay.Apply(dist, out.DecayAfter.BurnPercent, p.Weights.BurnIdentity)
	out.Vector = weights.ClampCap(weights.Scale(dist, p.Weights.Scale, p.Weights.BurnIdentity),
		p.Weights.Cap, p.Weights.BurnIdentity)
	return out, nil
}
