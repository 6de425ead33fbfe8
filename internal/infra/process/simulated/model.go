package simulated

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
)

// anomalyProbability is the tail probability below which a bucket value is
// reported as an anomaly record.
const anomalyProbability = 0.05

// minHistory is how many final buckets a series needs before it is scored.
const minHistory = 3

// series tracks the running mean and variance of one detector and partition
// across final buckets (Welford's algorithm).
type series struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

func (s *series) observe(x float64) {
	s.N++
	d := x - s.Mean
	s.Mean += d / float64(s.N)
	s.M2 += d * (x - s.Mean)
}

func (s *series) stddev() float64 {
	if s.N < 2 {
		return 0
	}
	return math.Sqrt(s.M2 / float64(s.N-1))
}

// score returns the two sided tail probability of x and the matching anomaly
// score in [0, 100].
func (s *series) score(x float64) (prob, score float64) {
	sd := s.stddev()
	if s.N < minHistory || sd == 0 {
		if s.N >= minHistory && x != s.Mean {
			return 1e-10, 100
		}
		return 1, 0
	}
	z := math.Abs(x-s.Mean) / sd
	prob = math.Erfc(z / math.Sqrt2)
	score = math.Min(100, -10*math.Log10(math.Max(prob, 1e-300)))
	return prob, score
}

// accumulator collects the values one detector saw for one partition within
// a bucket.
type accumulator struct {
	count    int64
	sum      float64
	min, max float64
	values   int64
}

func (a *accumulator) add(v float64, hasValue bool) {
	a.count++
	if !hasValue {
		return
	}
	if a.values == 0 || v < a.min {
		a.min = v
	}
	if a.values == 0 || v > a.max {
		a.max = v
	}
	a.values++
	a.sum += v
}

// value reduces the bucket to the number the detector function models.
func (a *accumulator) value(function string) (float64, bool) {
	switch function {
	case "count", "high_count", "low_count", "non_zero_count", "rare", "freq_rare", "distinct_count", "info_content":
		return float64(a.count), true
	}
	if a.values == 0 {
		return 0, false
	}
	switch function {
	case "sum", "high_sum", "low_sum":
		return a.sum, true
	case "min":
		return a.min, true
	case "max":
		return a.max, true
	default:
		return a.sum / float64(a.values), true
	}
}

// bucketState is an open, not yet final bucket.
type bucketState struct {
	start  time.Time
	events int64
	// acc is keyed by detector index and partition value.
	acc map[seriesKey]*accumulator
}

type seriesKey struct {
	Detector  int
	Partition string
}

func (k seriesKey) String() string { return strconv.Itoa(k.Detector) + "|" + k.Partition }

func newBucketState(start time.Time) *bucketState {
	return &bucketState{start: start, acc: make(map[seriesKey]*accumulator)}
}

// add folds one record into the bucket.
func (b *bucketState) add(detectors []job.Detector, fields map[string]json.RawMessage) {
	b.events++
	for i, d := range detectors {
		key := seriesKey{Detector: i, Partition: stringField(fields, d.PartitionFieldName)}
		a := b.acc[key]
		if a == nil {
			a = new(accumulator)
			b.acc[key] = a
		}
		v, ok := numberField(fields, d.FieldName)
		a.add(v, ok)
	}
}

// modelState is the part of the process that survives restarts. It is stored
// as the quantile state of a model snapshot.
type modelState struct {
	Series map[string]*series `json:"series"`
	// Next is the start of the oldest bucket that is not yet final.
	Next         time.Time `json:"next,omitzero"`
	LatestRecord time.Time `json:"latest_record,omitzero"`
	LatestResult time.Time `json:"latest_result,omitzero"`
	Categories   []string  `json:"categories,omitempty"`
}

func newModelState() *modelState {
	return &modelState{Series: make(map[string]*series)}
}

func (m *modelState) seriesFor(k seriesKey) *series {
	s := m.Series[k.String()]
	if s == nil {
		s = new(series)
		m.Series[k.String()] = s
	}
	return s
}

// scoreBucket turns an open bucket into result documents. Final buckets also
// update the model.
func (m *modelState) scoreBucket(jobID string, cfg job.Config, b *bucketState, interim bool) (*results.Bucket, []*results.Record, []*results.Influencer) {
	started := time.Now()
	span := cfg.Analysis.BucketSpan
	bucket := &results.Bucket{
		JobID:      jobID,
		Timestamp:  b.start,
		BucketSpan: span,
		EventCount: b.events,
		IsInterim:  interim,
	}

	var (
		records     []*results.Record
		influencers []*results.Influencer
		partitions  = make(map[string]*results.PartitionScore)
	)
	for _, key := range sortedKeys(b.acc) {
		d := cfg.Analysis.Detectors[key.Detector]
		x, ok := b.acc[key].value(d.Function)
		if !ok {
			continue
		}
		s := m.seriesFor(key)
		prob, score := s.score(x)
		typical := s.Mean
		if !interim {
			s.observe(x)
		}

		if d.PartitionFieldName != "" {
			ps := partitions[key.Partition]
			if ps == nil {
				ps = &results.PartitionScore{FieldName: d.PartitionFieldName, FieldValue: key.Partition, Probability: 1}
				partitions[key.Partition] = ps
			}
			ps.AnomalyScore = math.Max(ps.AnomalyScore, score)
			ps.NormalizedProbability = math.Max(ps.NormalizedProbability, score)
			ps.Probability = math.Min(ps.Probability, prob)
		}

		if prob >= anomalyProbability {
			continue
		}
		seq := len(records) + 1
		records = append(records, &results.Record{
			JobID:                 jobID,
			Timestamp:             b.start,
			BucketSpan:            span,
			DetectorIndex:         key.Detector,
			Sequence:              seq,
			Function:              d.Function,
			FieldName:             d.FieldName,
			PartitionFieldName:    d.PartitionFieldName,
			PartitionFieldValue:   key.Partition,
			Actual:                []float64{x},
			Typical:               []float64{typical},
			Probability:           prob,
			NormalizedProbability: score,
			AnomalyScore:          score,
			InitialAnomalyScore:   score,
			IsInterim:             interim,
		})
		if d.PartitionFieldName != "" {
			influencers = append(influencers, &results.Influencer{
				JobID:               jobID,
				Timestamp:           b.start,
				BucketSpan:          span,
				Sequence:            seq,
				FieldName:           d.PartitionFieldName,
				FieldValue:          key.Partition,
				Probability:         prob,
				AnomalyScore:        score,
				InitialAnomalyScore: score,
				IsInterim:           interim,
			})
		}
		bucket.AnomalyScore = math.Max(bucket.AnomalyScore, score)
		bucket.MaxNormalizedProbability = math.Max(bucket.MaxNormalizedProbability, score)
	}

	for _, v := range sortedStrings(partitions) {
		bucket.PartitionScores = append(bucket.PartitionScores, *partitions[v])
	}
	bucket.InitialAnomalyScore = bucket.AnomalyScore
	bucket.RecordCount = len(records)
	bucket.ProcessingTimeMs = time.Since(started).Milliseconds()

	if !interim {
		m.LatestResult = b.start
	}
	return bucket, records, influencers
}

func stringField(fields map[string]json.RawMessage, name string) string {
	if name == "" {
		return ""
	}
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func numberField(fields map[string]json.RawMessage, name string) (float64, bool) {
	if name == "" {
		return 0, false
	}
	raw, ok := fields[name]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
