package results

import (
	"cmp"
	"slices"
	"time"
)

// InterimFilter selects documents by their interim flag.
type InterimFilter int

const (
	// InterimAny matches interim and final documents.
	InterimAny InterimFilter = iota
	// InterimExclude matches final documents only.
	InterimExclude
	// InterimOnly matches interim documents only.
	InterimOnly
)

// Predicate filters documents of one type. Zero-valued fields do not filter.
// Thresholds are inclusive lower bounds. Start is inclusive, End exclusive.
type Predicate struct {
	Start  time.Time
	End    time.Time
	After  time.Time // strictly after
	Before time.Time // strictly before

	MinAnomalyScore          float64
	MinNormalizedProbability float64
	PartitionValue           string
	Interim                  InterimFilter

	SnapshotID  string
	Description string
	// ExcludeIDs are document ids that never match.
	ExcludeIDs []string
}

// SortField names a sort key for result queries.
type SortField string

const (
	SortByTimestamp             SortField = "timestamp"
	SortByAnomalyScore          SortField = "anomaly_score"
	SortByNormalizedProbability SortField = "normalized_probability"
	SortByProbability           SortField = "probability"
)

// ParseSortField converts a string to a SortField, defaulting to def when empty.
// Unknown fields return false.
func ParseSortField(s string, def SortField) (SortField, bool) {
	switch f := SortField(s); f {
	case "":
		return def, true
	case SortByTimestamp, SortByAnomalyScore, SortByNormalizedProbability, SortByProbability:
		return f, true
	default:
		return "", false
	}
}

// Query is a predicate with ordering and a page window.
type Query struct {
	Predicate
	Sort       SortField
	Descending bool
	Skip       int
	Take       int
}

// Matches reports whether doc satisfies the predicate.
func (p Predicate) Matches(doc Document) bool {
	if slices.Contains(p.ExcludeIDs, doc.DocID()) {
		return false
	}

	ts := doc.DocTimestamp()
	if !p.Start.IsZero() && ts.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && !ts.Before(p.End) {
		return false
	}
	if !p.After.IsZero() && !ts.After(p.After) {
		return false
	}
	if !p.Before.IsZero() && !ts.Before(p.Before) {
		return false
	}

	switch d := doc.(type) {
	case *Bucket:
		return p.matchInterim(d.IsInterim) &&
			p.matchPartition(d.PartitionScores) &&
			d.AnomalyScore >= p.MinAnomalyScore &&
			d.MaxNormalizedProbability >= p.MinNormalizedProbability
	case *Record:
		return p.matchInterim(d.IsInterim) &&
			(p.PartitionValue == "" || d.PartitionFieldValue == p.PartitionValue) &&
			d.AnomalyScore >= p.MinAnomalyScore &&
			d.NormalizedProbability >= p.MinNormalizedProbability
	case *Influencer:
		return p.matchInterim(d.IsInterim) &&
			(p.PartitionValue == "" || d.FieldValue == p.PartitionValue) &&
			d.AnomalyScore >= p.MinAnomalyScore
	case *ModelSnapshot:
		return (p.SnapshotID == "" || d.SnapshotID == p.SnapshotID) &&
			(p.Description == "" || d.Description == p.Description)
	}
	return true
}

func (p Predicate) matchInterim(interim bool) bool {
	switch p.Interim {
	case InterimExclude:
		return !interim
	case InterimOnly:
		return interim
	default:
		return true
	}
}

func (p Predicate) matchPartition(scores []PartitionScore) bool {
	if p.PartitionValue == "" {
		return true
	}
	return slices.ContainsFunc(scores, func(ps PartitionScore) bool { return ps.FieldValue == p.PartitionValue })
}

// SortValue returns the numeric sort key of doc for field.
func SortValue(doc Document, field SortField) float64 {
	if field == SortByTimestamp {
		return float64(doc.DocTimestamp().UnixNano())
	}
	switch d := doc.(type) {
	case *Bucket:
		if field == SortByNormalizedProbability {
			return d.MaxNormalizedProbability
		}
		return d.AnomalyScore
	case *Record:
		switch field {
		case SortByNormalizedProbability:
			return d.NormalizedProbability
		case SortByProbability:
			return d.Probability
		}
		return d.AnomalyScore
	case *Influencer:
		if field == SortByProbability {
			return d.Probability
		}
		return d.AnomalyScore
	case *CategoryDefinition:
		return float64(d.CategoryID)
	}
	return float64(doc.DocTimestamp().UnixNano())
}

// SortDocuments orders docs by field. Ties are broken by timestamp and then by
// id, both ascending, so paging over a fixed result set is stable.
func SortDocuments[D Document](docs []D, field SortField, desc bool) {
	slices.SortStableFunc(docs, func(a, b D) int {
		c := cmp.Compare(SortValue(a, field), SortValue(b, field))
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c = a.DocTimestamp().Compare(b.DocTimestamp()); c != 0 {
			return c
		}
		return cmp.Compare(a.DocID(), b.DocID())
	})
}

// DefaultSort returns the sort field used when a query does not name one.
func DefaultSort(t DocType) SortField {
	switch t {
	case DocTypeRecord, DocTypeInfluencer:
		return SortByAnomalyScore
	case DocTypeCategoryDefinition:
		return ""
	default:
		return SortByTimestamp
	}
}
