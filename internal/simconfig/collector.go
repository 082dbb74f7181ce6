package simconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// FromForm builds a Config from operator form input. Missing or blank fields
// keep their defaults; values arrive as strings and are parsed per field type.
// The result is validated before it is returned.
func FromForm(values url.Values) (Config, error) {
	cfg := Defaults()
	target := reflect.ValueOf(&cfg).Elem()
	var errs []error
	for i := 0; i < target.NumField(); i++ {
		name := jsonName(target.Type().Field(i))
		raw := strings.TrimSpace(values.Get(name))
		if name == "" || raw == "" {
			continue
		}
		if err := setField(target.Field(i), raw); err != nil {
			errs = append(errs, &FieldError{Field: name, Reason: err.Error()})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeJSON overlays a JSON document onto the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func DecodeJSON(r io.Reader) (Config, error) {
	cfg := Defaults()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FieldNames lists the wire names of every parameter in declaration order.
func FieldNames() []string {
	t := reflect.TypeOf(Config{})
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name := jsonName(t.Field(i)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func jsonName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.Int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", raw)
		}
		field.SetInt(int64(v))
	case reflect.Float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("expected a number, got %q", raw)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := parseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// parseBool accepts checkbox values in addition to strconv's spellings.
func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("expected a boolean, got %q", raw)
	}
	return v, nil
}
