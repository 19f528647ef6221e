package resource

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"

	"github.com/opengovern/restbridge/internal"
)

// ListParams are the standard list query parameters. Zero values are not
// sent. Filters with nil values are skipped and slice values repeat the key.
type ListParams struct {
	Page    int
	Limit   int
	Search  string
	Sort    string
	Order   string
	Filters map[string]any
}

func (p *ListParams) Values() url.Values {
	q := url.Values{}
	if p == nil {
		return q
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Search != "" {
		q.Set("search", p.Search)
	}
	if p.Sort != "" {
		q.Set("sort", p.Sort)
	}
	if p.Order != "" {
		q.Set("order", p.Order)
	}
	addFilters(q, p.Filters)
	return q
}

func addFilters(q url.Values, filters map[string]any) {
	for key, value := range filters {
		if value == nil {
			continue
		}
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Pointer:
			if rv.IsNil() {
				continue
			}
			addFilters(q, map[string]any{key: rv.Elem().Interface()})
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if v := rv.Index(i).Interface(); v != nil {
					q.Add(key, formatValue(v))
				}
			}
		default:
			q.Add(key, formatValue(value))
		}
	}
}

func formatValue(v any) string {
	if s, ok := internal.String(v); ok {
		return s
	}
	return fmt.Sprint(v)
}
