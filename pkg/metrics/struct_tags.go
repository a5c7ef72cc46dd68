package metrics

import (
	"fmt"
	"path"
	"reflect"
)

// metricAdder allocates a measure from a field value, its metric name, its
// group path and its decoded tags. It returns nil when the field is not a
// supported measure type.
type metricAdder func(interface{}, string, string, map[string]string) interface{}

// knownTags are the struct tags the scanner decodes
var knownTags = []string{"metric", "unit", "group", "description", "extraviews", "tags"}

func equalType(a, b interface{}) bool {
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// scanStruct walks a tree of structs and allocates every tagged measure field,
// using the metric: and group: tags to build the metric paths.
func scanStruct(parent string, adder metricAdder, m interface{}) {
	rv := reflect.ValueOf(m)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("scanStruct requires a pointer to a struct, got: %T", m))
	}
	scanTags(parent, adder, m)
}

func scanTags(parent string, adder metricAdder, m interface{}) {
	container := reflect.ValueOf(m)
	if !container.IsValid() || !isStructLike(container) {
		return
	}

	receiver, derefType := pointerTo(container) // always a pointer
	pointedStruct := reflect.Indirect(receiver) // always a struct
	structChanged := false

	for i := 0; i < derefType.NumField(); i++ {
		field := derefType.Field(i)
		pointedField := pointedStruct.Field(i)

		if !pointedField.CanInterface() {
			continue
		}
		var child interface{}
		if pointedField.Type().Kind() == reflect.Ptr {
			child = pointedField.Interface()
		} else {
			child = pointedField.Addr().Interface()
		}

		tags := fieldTags(field)
		metric := tags["metric"]
		group := tags["group"]

		if metric == "" {
			// not a measure: recurse into nested groups
			scanTags(path.Join(parent, group), adder, child)
			continue
		}

		if pointedField.Type().Kind() != reflect.Ptr || !pointedField.CanSet() {
			continue
		}

		allocated := adder(child, metric, path.Join(parent, group), tags)
		if allocated != nil {
			pointedField.Set(reflect.ValueOf(allocated))
			structChanged = true
		}
	}

	if !structChanged {
		return
	}

	if container.CanSet() {
		container.Set(receiver)
	} else if container.CanAddr() && container.Addr().CanSet() {
		container.Addr().Set(receiver)
	}
}

func pointerTo(container reflect.Value) (reflect.Value, reflect.Type) {
	deref := derefType(container)
	if container.Type().Kind() == reflect.Ptr && !container.IsNil() {
		return container, deref
	}
	return reflect.New(deref), deref
}

// fieldTags decodes the field tags that decorate a metrics struct.
// Supported tags are:
//   - metric: the metric name
//   - group: builds an additional path to the metric (e.g. root/path/mymetrics/{metric})
//   - unit: the measurement unit (selects the default view aggregation)
//   - description: adds this description to the metric and the associated views
//   - extraviews:[aggregator, ...]: builds additional views with alternate aggregators
//   - tags:[key, ...]: declares the tag keys captured by the views
func fieldTags(field reflect.StructField) map[string]string {
	tags := make(map[string]string, len(knownTags))
	for _, name := range knownTags {
		if value, ok := field.Tag.Lookup(name); ok {
			switch name {
			case "extraviews":
				tags["views"] = value
			case "tags":
				tags["groupings"] = value
			default:
				tags[name] = value
			}
		}
	}
	return tags
}

func isStructLike(v reflect.Value) bool {
	k := v.Type().Kind()
	if k == reflect.Ptr {
		return v.Type().Elem().Kind() == reflect.Struct
	}
	return k == reflect.Struct
}

func derefType(v reflect.Value) reflect.Type {
	if v.Type().Kind() == reflect.Ptr {
		return v.Type().Elem()
	}
	return v.Type()
}
