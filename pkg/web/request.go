package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Decoder represents data that can be decoded.
type Decoder interface {
	Decode(data []byte) error
}

type validator interface {
	Validate() error
}

// Decode reads the body of an HTTP request and decodes the body into the
// specified data model. If the data model implements the validator interface,
// the method will be called. An empty body leaves the model untouched.
func Decode(r *http.Request, v Decoder) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("request: unable to read payload: %w", err)
	}

	if len(data) > 0 {
		if err := v.Decode(data); err != nil {
			return fmt.Errorf("request: decode: %w", err)
		}
	}

	if v, ok := v.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// QueryInt reads an integer query parameter, returning def when it is absent.
func QueryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("query parameter %q: %w", key, err)
	}
	return n, nil
}

// QueryFloat reads a float query parameter, returning def when it is absent.
func QueryFloat(r *http.Request, key string, def float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("query parameter %q: %w", key, err)
	}
	return f, nil
}

// QueryBool reads a boolean query parameter. A bare key counts as true.
func QueryBool(r *http.Request, key string, def bool) (bool, error) {
	q := r.URL.Query()
	if !q.Has(key) {
		return def, nil
	}
	raw := q.Get(key)
	if raw == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("query parameter %q: %w", key, err)
	}
	return b, nil
}

var errBadTime = errors.New("expected epoch seconds, epoch milliseconds or RFC3339")

// ParseTime accepts epoch seconds, epoch milliseconds or RFC3339. An empty
// string is the zero time.
func ParseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Anything past the year 5138 in seconds is read as milliseconds.
		if n > 99_999_999_999 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q: %w", raw, errBadTime)
	}
	return t.UTC(), nil
}

// QueryTime reads a time query parameter with ParseTime.
func QueryTime(r *http.Request, key string) (time.Time, error) {
	t, err := ParseTime(r.URL.Query().Get(key))
	if err != nil {
		return time.Time{}, fmt.Errorf("query parameter %q: %w", key, err)
	}
	return t, nil
}

// JSON wraps a value so it can be returned from a handler.
type JSON struct {
	Value  any
	Status int
}

// Encode implements the Encoder interface.
func (j JSON) Encode() ([]byte, string, error) {
	data, err := json.Marshal(j.Value)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements HTTPStatusSetter. Zero means 200.
func (j JSON) HTTPStatus() int {
	if j.Status == 0 {
		return http.StatusOK
	}
	return j.Status
}
