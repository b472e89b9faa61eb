package transform

import (
	"strings"

	"github.com/bindrun/bindrun/pkg/schema"
)

// Lookup resolves a human-meaningful identifier to a backend identifier by
// filtering a previously retrieved collection.
//
// Args: collection, matchField, matchValue, extractField.
//
// matchField may be a single field name or a list of field names in
// priority order. Fields are tried one at a time: the first field yielding
// exactly one case-insensitive match wins. More than one match on a field
// fails with LOOKUP_AMBIGUOUS; exhausting all fields without a match fails
// with LOOKUP_NOT_FOUND.
func Lookup(args []any) (any, error) {
	if len(args) != 4 {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"lookup expects 4 args (collection, matchField, matchValue, extractField), got %d", len(args))
	}

	records, err := asRecords(args[0])
	if err != nil {
		return nil, err
	}

	fields, err := asFieldList(args[1])
	if err != nil {
		return nil, err
	}

	matchValue := stringify(args[2])
	extractField := stringify(args[3])
	if extractField == "" {
		return nil, schema.NewError(schema.ErrCodeTransform, "lookup extract field is empty")
	}

	for _, field := range fields {
		var matches []map[string]any
		for _, rec := range records {
			fv, ok := rec[field]
			if !ok {
				continue
			}
			if strings.EqualFold(stringify(fv), matchValue) {
				matches = append(matches, rec)
			}
		}

		switch len(matches) {
		case 0:
			continue // try the next priority field
		case 1:
			out, ok := matches[0][extractField]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeTransform,
					"lookup matched a record on %q=%q but it has no field %q", field, matchValue, extractField)
			}
			return out, nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeLookupAmbiguous,
				"lookup for %q=%q matched %d records", field, matchValue, len(matches)).
				WithDetails(map[string]any{"field": field, "value": matchValue, "matches": len(matches)})
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeLookupNotFound,
		"lookup found no record with %s = %q", strings.Join(fields, "|"), matchValue).
		WithDetails(map[string]any{"fields": fields, "value": matchValue})
}

// asRecords coerces the collection argument into a slice of records.
func asRecords(v any) ([]map[string]any, error) {
	switch coll := v.(type) {
	case []map[string]any:
		return coll, nil
	case []any:
		records := make([]map[string]any, 0, len(coll))
		for i, el := range coll {
			rec, ok := el.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeTransform,
					"lookup collection element %d is %T, want an object", i, el)
			}
			records = append(records, rec)
		}
		return records, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"lookup collection is %T, want an array of objects", v)
	}
}

// asFieldList coerces the matchField argument into a priority-ordered list.
func asFieldList(v any) ([]string, error) {
	switch f := v.(type) {
	case string:
		if f == "" {
			return nil, schema.NewError(schema.ErrCodeTransform, "lookup match field is empty")
		}
		return []string{f}, nil
	case []string:
		if len(f) == 0 {
			return nil, schema.NewError(schema.ErrCodeTransform, "lookup match field list is empty")
		}
		return f, nil
	case []any:
		if len(f) == 0 {
			return nil, schema.NewError(schema.ErrCodeTransform, "lookup match field list is empty")
		}
		fields := make([]string, 0, len(f))
		for _, el := range f {
			s, ok := el.(string)
			if !ok || s == "" {
				return nil, schema.NewErrorf(schema.ErrCodeTransform,
					"lookup match field list contains %v, want non-empty strings", el)
			}
			fields = append(fields, s)
		}
		return fields, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"lookup match field is %T, want a string or list of strings", v)
	}
}
