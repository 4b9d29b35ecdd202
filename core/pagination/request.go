// Package pagination shapes list endpoint responses into a standard {data, meta} envelope.
package pagination

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/masomo/campus/core"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100

	SortAsc  = "asc"
	SortDesc = "desc"
)

// Request holds the pagination parameters of a list query.
// When Cursor is set, repositories position by cursor and ignore Skip; Page and Limit are still echoed in Meta.
type Request struct {
	Page      int    `json:"page" query:"page" validate:"min=1"`
	Limit     int    `json:"limit" query:"limit" validate:"min=1,max=100"`
	Cursor    string `json:"cursor,omitempty" query:"cursor"`
	SortBy    string `json:"sortBy,omitempty" query:"sortBy"`
	SortOrder string `json:"sortOrder" query:"sortOrder" validate:"oneof=asc desc"`
}

// NewRequest returns a Request holding the defaults.
func NewRequest() Request {
	return Request{Page: DefaultPage, Limit: DefaultLimit, SortOrder: SortDesc}
}

// Clean fills zero values with defaults and normalizes strings.
func (r *Request) Clean() {
	if r.Page == 0 {
		r.Page = DefaultPage
	}
	if r.Limit == 0 {
		r.Limit = DefaultLimit
	}
	r.Cursor = strings.TrimSpace(r.Cursor)
	r.SortBy = core.CleanString(r.SortBy)
	r.SortOrder = core.CleanString(r.SortOrder, true /* lower */)
	if r.SortOrder == "" {
		r.SortOrder = SortDesc
	}
}

func (r *Request) Validate(validate *validator.Validate) error {
	r.Clean()
	return validate.Struct(r)
}

func (r Request) Skip() int { return (r.Page - 1) * r.Limit }

func (r Request) Take() int { return r.Limit }

func (r Request) UsesCursor() bool { return r.Cursor != "" }

func (r Request) Ascending() bool { return r.SortOrder == SortAsc }
