package transform

import (
	"fmt"

	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

// RegisterBuiltins registers the transformer identifiers a MigrationRequest
// step can name out of the box, mirroring a pass-through item processor for
// the identity case, one reversible field-level mutation (set_schema_version)
// and one filter with no inverse (drop_tombstoned). Registration happens once at process construction, not at runtime
// lookup from a module path — additional transformers specific to one
// deployment register the same way, by calling Register directly.
func RegisterBuiltins(r *Registry) {
	r.Register(ports.TransformerEntry{
		Name: "identity",
		Apply: func(in ports.Record) (ports.Record, bool, error) {
			return in, false, nil
		},
		Inverse: func(in ports.Record) (ports.Record, error) {
			return in, nil
		},
	})

	r.Register(ports.TransformerEntry{
		Name:    "set_schema_version",
		Apply:   setField("schema_version"),
		Inverse: unsetField("schema_version"),
	})

	r.Register(ports.TransformerEntry{
		Name:  "drop_tombstoned",
		Apply: dropIfTrue("_deleted"),
	})
}

// setField returns a Transformer that copies the value the record already
// carries under "<field>_pending" onto field, leaving the pending value in
// place so the inverse can restore the prior state exactly.
func setField(field string) ports.Transformer {
	pendingKey := field + "_pending"
	return func(in ports.Record) (ports.Record, bool, error) {
		pending, ok := in.Fields[pendingKey]
		if !ok {
			return ports.Record{}, false, fmt.Errorf("transform: record %q has no %q field", in.ID, pendingKey)
		}
		out := cloneRecord(in)
		out.Fields[field] = pending
		return out, false, nil
	}
}

// unsetField is setField's inverse: it removes field, restoring the record
// to the shape it had before setField ran.
func unsetField(field string) ports.InverseTransformer {
	return func(in ports.Record) (ports.Record, error) {
		out := cloneRecord(in)
		delete(out.Fields, field)
		return out, nil
	}
}

// dropIfTrue drops any record whose field is truthy. It has no inverse: a
// dropped record never reaches ApplyBatch, so there is nothing to undo — a
// step built only from dropIfTrue is unrecoverable by design.
func dropIfTrue(field string) ports.Transformer {
	return func(in ports.Record) (ports.Record, bool, error) {
		if truthy, ok := in.Fields[field].(bool); ok && truthy {
			return ports.Record{}, true, nil
		}
		return in, false, nil
	}
}

func cloneRecord(in ports.Record) ports.Record {
	fields := make(map[string]interface{}, len(in.Fields))
	for k, v := range in.Fields {
		fields[k] = v
	}
	return ports.Record{ID: in.ID, Fields: fields}
}
