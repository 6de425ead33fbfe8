// Package results defines the documents an analysis process produces and the
// port used to persist and query them.
package results

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DocType names a kind of result document. Stores keep one logical
// collection per type.
type DocType string

const (
	DocTypeBucket             DocType = "bucket"
	DocTypeRecord             DocType = "record"
	DocTypeInfluencer         DocType = "influencer"
	DocTypeCategoryDefinition DocType = "category_definition"
	DocTypeModelSnapshot      DocType = "model_snapshot"
)

// TimeSeriesDocTypes are the result types rolled back by a revert and aged
// out by retention.
var TimeSeriesDocTypes = []DocType{DocTypeBucket, DocTypeRecord, DocTypeInfluencer}

// AllDocTypes lists every document type, in the order a job purge removes them.
var AllDocTypes = []DocType{
	DocTypeRecord,
	DocTypeInfluencer,
	DocTypeBucket,
	DocTypeCategoryDefinition,
	DocTypeModelSnapshot,
}

// ParseDocType converts a string to a DocType.
func ParseDocType(s string) (DocType, error) {
	switch t := DocType(s); t {
	case DocTypeBucket, DocTypeRecord, DocTypeInfluencer, DocTypeCategoryDefinition, DocTypeModelSnapshot:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDocType, s)
	}
}

// Document is implemented by every result type a store can hold.
type Document interface {
	DocType() DocType
	// DocID is unique per job and doc type. Writing a document with an
	// existing id replaces it.
	DocID() string
	// DocTimestamp is the time the document describes. It is zero for
	// documents that are not time series.
	DocTimestamp() time.Time
	// DocJobID is the job that produced the document.
	DocJobID() string
}

// Decode parses the JSON form of a document of the given type.
func Decode(t DocType, raw []byte) (Document, error) {
	var (
		doc Document
		err error
	)
	switch t {
	case DocTypeBucket:
		var b Bucket
		err = json.Unmarshal(raw, &b)
		doc = &b
	case DocTypeRecord:
		var r Record
		err = json.Unmarshal(raw, &r)
		doc = &r
	case DocTypeInfluencer:
		var i Influencer
		err = json.Unmarshal(raw, &i)
		doc = &i
	case DocTypeCategoryDefinition:
		var c CategoryDefinition
		err = json.Unmarshal(raw, &c)
		doc = &c
	case DocTypeModelSnapshot:
		var s ModelSnapshot
		err = json.Unmarshal(raw, &s)
		doc = &s
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return doc, nil
}

// DocIDForTime returns the id of the bucket starting at ts.
func DocIDForTime(ts time.Time) string { return strconv.FormatInt(ts.Unix(), 10) }
