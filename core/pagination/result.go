package pagination

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

type (
	Meta struct {
		Total           int     `json:"total"`
		Page            int     `json:"page"`
		Limit           int     `json:"limit"`
		TotalPages      int     `json:"totalPages"`
		HasNextPage     bool    `json:"hasNextPage"`
		HasPreviousPage bool    `json:"hasPreviousPage"`
		NextCursor      *string `json:"nextCursor,omitempty"`
	}

	Result[T any] struct {
		Data []T  `json:"data"`
		Meta Meta `json:"meta"`
	}

	// CursorFunc returns the cursor value of a record.
	CursorFunc[T any] func(T) string
)

// Build wraps an already sliced and ordered page of records into a Result.
// total must come from an independent count query; it is never inferred from len(data).
// A nil cursor disables NextCursor. Build panics if req.Limit < 1.
func Build[T any](data []T, total int, req Request, cursor CursorFunc[T]) Result[T] {
	if req.Limit < 1 {
		panic(fmt.Sprintf("pagination: limit must be >= 1 (got %d)", req.Limit))
	}
	if data == nil {
		data = []T{}
	}

	totalPages := total / req.Limit
	if total%req.Limit != 0 {
		totalPages++
	}

	meta := Meta{
		Total:           total,
		Page:            req.Page,
		Limit:           req.Limit,
		TotalPages:      totalPages,
		HasNextPage:     req.Page < totalPages,
		HasPreviousPage: req.Page > 1,
	}
	if cursor != nil && len(data) > 0 {
		next := cursor(data[len(data)-1])
		meta.NextCursor = &next
	}

	return Result[T]{Data: data, Meta: meta}
}

// FieldCursor returns a CursorFunc reading the struct field `name` of T, addressed by Go name or JSON tag.
// It panics if T is not a struct (or pointer to struct) or has no such field.
func FieldCursor[T any](name string) CursorFunc[T] {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	isPtr := typ.Kind() == reflect.Ptr
	if isPtr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("pagination: %s is not a struct", typ))
	}

	idx := -1
	for i := 0; i < typ.NumField(); i++ {
		fld := typ.Field(i)
		if !fld.IsExported() {
			continue
		}
		tag := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if fld.Name == name || (tag != "" && tag == name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("pagination: %s has no field %q", typ, name))
	}

	return func(rec T) string {
		val := reflect.ValueOf(rec)
		if isPtr {
			if val.IsNil() {
				return ""
			}
			val = val.Elem()
		}
		return stringify(val.Field(idx).Interface())
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format(time.RFC3339Nano)
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
