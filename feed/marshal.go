package feed

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

//column one bound struct field
type column struct {
	name   string
	order  int
	index  []int
	format string
	defval string
	hasDef bool
}

//Binding maps delimited records onto one struct type and back. Fields opt in
//through a `header` tag naming their column; an `order` tag fixes the column
//position for headerless files and writers, `format` sets the time layout and
//`default` fills absent values. Untagged nested structs are flattened,
//pointer fields are allocated on demand.
type Binding struct {
	typ     reflect.Type
	columns []column
	byName  map[string]int
}

var timeType = reflect.TypeOf(time.Time{})

//NewBinding build the binding metadata for a struct prototype, a pointer
//prototype is dereferenced first.
func NewBinding(prototype interface{}) (*Binding, error) {
	tp := reflect.TypeOf(prototype)
	for tp != nil && tp.Kind() == reflect.Ptr {
		tp = tp.Elem()
	}
	if tp == nil || tp.Kind() != reflect.Struct {
		return nil, errors.Errorf("prototype must be a struct, got %T", prototype)
	}
	b := &Binding{typ: tp, byName: map[string]int{}}
	if err := b.collect(tp, nil); err != nil {
		return nil, err
	}
	if len(b.columns) == 0 {
		return nil, errors.Errorf("%v has no fields with a header or order tag", tp)
	}
	sort.SliceStable(b.columns, func(i, j int) bool {
		ci, cj := b.columns[i], b.columns[j]
		if (ci.order >= 0) != (cj.order >= 0) {
			return ci.order >= 0
		}
		return ci.order < cj.order
	})
	for i, c := range b.columns {
		if i > 0 && c.order >= 0 && c.order == b.columns[i-1].order {
			return nil, errors.Errorf("duplicate order:%v on %v", c.order, tp)
		}
		if _, dup := b.byName[c.name]; dup {
			return nil, errors.Errorf("duplicate header:%v on %v", c.name, tp)
		}
		b.byName[c.name] = i
	}
	return b, nil
}

func (b *Binding) collect(tp reflect.Type, path []int) error {
	for i := 0; i < tp.NumField(); i++ {
		f := tp.Field(i)
		idx := append(append([]int{}, path...), i)
		header := f.Tag.Get("header")
		if header == "" && f.Tag.Get("order") == "" {
			ft := f.Type
			for ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && ft != timeType {
				if err := b.collect(ft, idx); err != nil {
					return err
				}
			}
			continue
		}
		if header == "" {
			header = f.Name
		}
		order := -1
		if o := f.Tag.Get("order"); o != "" {
			n, err := strconv.Atoi(o)
			if err != nil || n < 0 {
				return errors.Errorf("invalid order tag:%v on %v.%v", o, tp, f.Name)
			}
			order = n
		}
		defval, hasDef := f.Tag.Lookup("default")
		b.columns = append(b.columns, column{
			name:   header,
			order:  order,
			index:  idx,
			format: f.Tag.Get("format"),
			defval: defval,
			hasDef: hasDef,
		})
	}
	return nil
}

//width number of positions an ordered row spans
func (b *Binding) width() int {
	w := 0
	for _, c := range b.columns {
		if c.order+1 > w {
			w = c.order + 1
		}
	}
	return w
}

//Headers the column names laid out at their order positions, gaps stay empty.
//Columns without an order tag are not part of positional rows.
func (b *Binding) Headers() []string {
	out := make([]string, b.width())
	for _, c := range b.columns {
		if c.order >= 0 {
			out[c.order] = c.name
		}
	}
	return out
}

//Bind fill a struct from one record keyed by header name. A missing or empty
//column falls back to the default tag, absent that the field keeps its zero
//value.
func (b *Binding) Bind(record map[string]interface{}, out interface{}) error {
	sv, err := b.target(out)
	if err != nil {
		return err
	}
	for _, c := range b.columns {
		text := ""
		if raw, ok := record[c.name]; ok && raw != nil {
			text = fmt.Sprintf("%v", raw)
		}
		if text == "" && c.hasDef {
			text = c.defval
		}
		if text == "" {
			continue
		}
		if err := setField(fieldByIndexAlloc(sv, c.index), text, c.format); err != nil {
			return errors.Wrapf(err, "bind column:%v", c.name)
		}
	}
	return nil
}

//BindRow fill a struct from a headerless row, each ordered column reading
//the field at its order position.
func (b *Binding) BindRow(fields []string, out interface{}) error {
	sv, err := b.target(out)
	if err != nil {
		return err
	}
	for _, c := range b.columns {
		if c.order < 0 {
			continue
		}
		text := ""
		if c.order < len(fields) {
			text = fields[c.order]
		}
		if text == "" && c.hasDef {
			text = c.defval
		}
		if text == "" {
			continue
		}
		if err := setField(fieldByIndexAlloc(sv, c.index), text, c.format); err != nil {
			return errors.Wrapf(err, "bind column:%v", c.name)
		}
	}
	return nil
}

//Row render the ordered columns of v as one delimited record.
func (b *Binding) Row(v interface{}) ([]string, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, errors.New("can not render nil value")
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Type() != b.typ {
		return nil, errors.Errorf("value type does not match binding %v", b.typ)
	}
	out := make([]string, b.width())
	for _, c := range b.columns {
		if c.order < 0 {
			continue
		}
		text, err := formatField(fieldByIndex(rv, c.index), c.format)
		if err != nil {
			return nil, errors.Wrapf(err, "format column:%v", c.name)
		}
		if text == "" && c.hasDef {
			text = c.defval
		}
		out[c.order] = text
	}
	return out, nil
}

func (b *Binding) target(out interface{}) (reflect.Value, error) {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Type() != b.typ {
		return reflect.Value{}, errors.Errorf("out must be a non-nil *%v", b.typ)
	}
	return v.Elem(), nil
}

func fieldByIndex(v reflect.Value, index []int) reflect.Value {
	for _, i := range index {
		for v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

//fieldByIndexAlloc walks the index path allocating nil pointers on the way
func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for _, i := range index {
		for v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

func setField(fv reflect.Value, text string, format string) error {
	for fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}
	if fv.Type() == timeType {
		dt, err := parseFieldTime(text, format)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(dt))
		return nil
	}
	text = strings.TrimSpace(text)
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(text)
	case reflect.Bool:
		val, err := parseFieldBool(text)
		if err != nil {
			return err
		}
		fv.SetBool(val)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return errors.Errorf("can not parse %q as integer", text)
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return errors.Errorf("can not parse %q as unsigned integer", text)
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return errors.Errorf("can not parse %q as float", text)
		}
		fv.SetFloat(n)
	default:
		return errors.Errorf("unsupported field type:%v", fv.Type())
	}
	return nil
}

func formatField(fv reflect.Value, format string) (string, error) {
	for fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			return "", nil
		}
		fv = fv.Elem()
	}
	if !fv.IsValid() {
		return "", nil
	}
	if fv.Type() == timeType {
		dt := fv.Interface().(time.Time)
		if dt.IsZero() {
			return "", nil
		}
		layout := format
		if layout == "" {
			layout = "2006-01-02 15:04:05"
		}
		return dt.Format(layout), nil
	}
	switch fv.Kind() {
	case reflect.String:
		return fv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(fv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(fv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(fv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(fv.Float(), 'f', -1, 64), nil
	default:
		return "", errors.Errorf("unsupported field type:%v", fv.Type())
	}
}

//feedTimeLayouts layouts tried in turn when a time column has no format tag
var feedTimeLayouts = []string{
	"20060102",
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func parseFieldTime(text string, format string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if format != "" {
		dt, err := time.ParseInLocation(format, text, time.Local)
		if err != nil {
			return time.Time{}, errors.Errorf("can not parse %q with layout %q", text, format)
		}
		return dt, nil
	}
	for _, layout := range feedTimeLayouts {
		if dt, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return dt, nil
		}
	}
	return time.Time{}, errors.Errorf("can not parse %q as date", text)
}

func parseFieldBool(text string) (bool, error) {
	switch strings.ToLower(text) {
	case "true", "t", "1", "y", "yes":
		return true, nil
	case "false", "f", "0", "n", "no":
		return false, nil
	}
	return false, errors.Errorf("can not parse %q as bool", text)
}
