// Package params reads typed query parameters and collects every failure
// into one field error response.
package params

import (
	"net/http"
	"time"

	"github.com/ahrav/anomaly-armada/internal/api/errs"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

// Parser reads query parameters from one request.
type Parser struct {
	r      *http.Request
	fields errs.FieldErrors
}

// New creates a Parser for r.
func New(r *http.Request) *Parser { return &Parser{r: r} }

func (p *Parser) Int(key string, def int) int {
	v, err := web.QueryInt(p.r, key, def)
	if err != nil {
		p.fields.Add(key, err)
	}
	return v
}

func (p *Parser) Float(key string, def float64) float64 {
	v, err := web.QueryFloat(p.r, key, def)
	if err != nil {
		p.fields.Add(key, err)
	}
	return v
}

func (p *Parser) Bool(key string, def bool) bool {
	v, err := web.QueryBool(p.r, key, def)
	if err != nil {
		p.fields.Add(key, err)
	}
	return v
}

func (p *Parser) Time(key string) time.Time {
	v, err := web.QueryTime(p.r, key)
	if err != nil {
		p.fields.Add(key, err)
	}
	return v
}

func (p *Parser) String(key string) string { return p.r.URL.Query().Get(key) }

// Fail records a failure found outside the parser, such as an unknown enum.
func (p *Parser) Fail(key string, err error) { p.fields.Add(key, err) }

// Err returns the collected failures, or nil.
func (p *Parser) Err() *errs.Error {
	if len(p.fields) == 0 {
		return nil
	}
	return p.fields.ToError()
}
