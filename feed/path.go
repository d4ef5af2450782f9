package feed

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

//FilePath an abstract file path with {param} placeholders, resolved against
//a parameter map. A placeholder may carry a format: {date,yyyyMMdd} formats
//a date, {seq,4#} zero-pads a number.
type FilePath struct {
	NamePattern string
}

var paramRegexp = regexp.MustCompile("\\{[^\\}]+\\}")

//Format generate a real file path by resolving every placeholder
func (f *FilePath) Format(params map[string]interface{}) (string, error) {
	var err error
	factPath := paramRegexp.ReplaceAllStringFunc(f.NamePattern, func(s string) string {
		s = s[1 : len(s)-1]
		param, format := s, ""
		if idx := strings.Index(s, ","); idx > 0 {
			param, format = s[0:idx], s[idx+1:]
		}
		paramVal, ok := params[param]
		if !ok {
			err = errors.Errorf("can not find param:%v", param)
			return ""
		}
		str, ferr := formatParam(paramVal, format)
		if ferr != nil {
			err = ferr
			return ""
		}
		return str
	})
	if err != nil {
		return "", err
	}
	return factPath, nil
}

var dateFmtRegexp = regexp.MustCompile("yyyy|MM|dd|HH|mm|SS")

func formatParam(val interface{}, format string) (string, error) {
	if val == nil {
		return "", nil
	}
	if format == "" {
		return fmt.Sprintf("%v", val), nil
	} else if dateFmtRegexp.MatchString(format) {
		format = strings.ReplaceAll(format, "yyyy", "2006")
		format = strings.ReplaceAll(format, "MM", "01")
		format = strings.ReplaceAll(format, "dd", "02")
		format = strings.ReplaceAll(format, "HH", "15")
		format = strings.ReplaceAll(format, "mm", "04")
		format = strings.ReplaceAll(format, "SS", "05")
		dt, err := parseDate(val)
		if err != nil {
			return "", err
		}
		return dt.Format(format), nil
	} else if idx := strings.Index(format, "#"); idx >= 0 {
		digit := 0
		var err error
		if idx == 0 {
			digit, err = strconv.Atoi(format[1:])
		} else if idx > 0 {
			digit, err = strconv.Atoi(format[0:idx])
		}
		if err != nil {
			return "", errors.Errorf("unsupported format:%v", format)
		}
		val, err = parseInteger(val)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(fmt.Sprintf("%%0%vd", digit), val), nil
	}
	return "", errors.Errorf("unsupported format:%v", format)
}

func parseDate(val interface{}) (time.Time, error) {
	refVal := reflect.ValueOf(val)
	if refVal.Kind() == reflect.Struct && refVal.Type().String() == "time.Time" {
		return val.(time.Time), nil
	}
	if refVal.Kind() == reflect.String {
		strVal := val.(string)
		if len(strVal) == 8 {
			return time.ParseInLocation("20060102", strVal, time.Local)
		} else if len(strVal) == 10 {
			return time.ParseInLocation("2006-01-02", strVal, time.Local)
		} else if len(strVal) == 19 {
			return time.ParseInLocation("2006-01-02 15:04:05", strVal, time.Local)
		}
	}
	return time.Time{}, errors.Errorf("can not parse to date:%v", val)
}

func parseInteger(val interface{}) (interface{}, error) {
	switch v := val.(type) {
	case int, int8, int32, int64, uint, uint8, uint32, uint64:
		return v, nil
	case string:
		return strconv.Atoi(v)
	}
	return -1, errors.Errorf("can not parse to integer:%v", val)
}
