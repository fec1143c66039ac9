package dispatch

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/schedulerr"
)

var validate = validator.New()

// Bind implements §4.5 Payload Binding: it rehydrates handler's exported
// fields from payload by case-insensitive name, then enforces any
// `validate:"required"` tags before Invoke/Resume is called. ictx is used
// only to emit the "unknown key" warning event.
func Bind(handler Handler, payload domain.Payload, ictx *Context) error {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil
	}
	elem := v.Elem()

	consumed, err := bindStruct(elem, payload, "")
	if err != nil {
		return err
	}

	for key := range payload {
		if !consumed[strings.ToLower(key)] {
			ictx.Warn("unknown payload key ignored", map[string]any{"key": key})
		}
	}

	if err := validate.Struct(handler); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return schedulerr.MissingPayloadField(verrs[0].Field())
		}
		return err
	}
	return nil
}

// bindStruct walks a struct's exported fields, assigning from payload by
// case-insensitive name (optionally dotted-prefixed for nested structs),
// and returns the lowercased payload keys it consumed.
func bindStruct(v reflect.Value, payload domain.Payload, prefix string) (map[string]bool, error) {
	consumed := map[string]bool{}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		name := bindName(field)
		fullName := name
		if prefix != "" {
			fullName = prefix + "." + name
		}

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			nested, err := bindStruct(fv, payload, fullName)
			if err != nil {
				return nil, err
			}
			for k := range nested {
				consumed[k] = true
			}
			continue
		}

		raw, ok := lookupPayload(payload, fullName)
		if !ok {
			continue
		}
		consumed[strings.ToLower(fullName)] = true
		if raw == nil {
			fv.Set(reflect.Zero(fv.Type()))
			continue
		}
		if err := setFieldValue(fv, *raw); err != nil {
			return nil, fmt.Errorf("bind field %q: %w", fullName, err)
		}
	}
	return consumed, nil
}

func bindName(field reflect.StructField) string {
	if tag := field.Tag.Get("bind"); tag != "" && tag != "-" {
		return tag
	}
	return field.Name
}

func lookupPayload(payload domain.Payload, name string) (*string, bool) {
	for k, v := range payload {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func setFieldValue(fv reflect.Value, raw string) error {
	switch {
	case fv.Type() == reflect.TypeOf(time.Duration(0)):
		d, err := parseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	case fv.Type() == reflect.TypeOf(time.Time{}):
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("parse UTC timestamp %q: %w", raw, err)
		}
		fv.Set(reflect.ValueOf(ts.UTC()))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse bool %q: %w", raw, err)
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse int %q: %w", raw, err)
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse uint %q: %w", raw, err)
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse float %q: %w", raw, err)
		}
		fv.SetFloat(n)
	default:
		return fmt.Errorf("unsupported bind target kind %s", fv.Kind())
	}
	return nil
}

// parseDuration accepts a Go duration string, an ISO-8601 duration
// ("PT1H30M"), or plain "hh:mm:ss".
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if strings.HasPrefix(strings.ToUpper(raw), "P") {
		return parseISO8601Duration(raw)
	}
	if strings.Count(raw, ":") == 2 {
		var h, m, s int
		if _, err := fmt.Sscanf(raw, "%d:%d:%d", &h, &m, &s); err == nil {
			return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
		}
	}
	return 0, fmt.Errorf("unrecognized duration %q", raw)
}

// parseISO8601Duration handles the PnYnMnDTnHnMnS subset actually used by
// job continuations: weeks, days, hours, minutes, seconds.
func parseISO8601Duration(raw string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", raw)
	}
	s = s[1:]
	datePart, timePart, hasTime := strings.Cut(s, "T")
	if !hasTime {
		datePart, timePart = s, ""
	}

	var total time.Duration
	var err error
	total, err = accumulateUnits(datePart, map[byte]time.Duration{
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}, total)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", raw, err)
	}
	total, err = accumulateUnits(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}, total)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", raw, err)
	}
	return total, nil
}

func accumulateUnits(part string, units map[byte]time.Duration, total time.Duration) (time.Duration, error) {
	num := strings.Builder{}
	for i := 0; i < len(part); i++ {
		c := part[i]
		if c >= '0' && c <= '9' || c == '.' {
			num.WriteByte(c)
			continue
		}
		unit, ok := units[c]
		if !ok {
			return total, fmt.Errorf("unsupported unit %q", string(c))
		}
		n, err := strconv.ParseFloat(num.String(), 64)
		if err != nil {
			return total, err
		}
		total += time.Duration(n * float64(unit))
		num.Reset()
	}
	return total, nil
}
