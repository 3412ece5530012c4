package feeders

import (
	"encoding"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// EnvFeeder reads environment variables named PREFIX_<env tag>. Nested
// structs are walked; only fields with an `env` tag are considered, and
// unset or empty variables leave the field untouched.
type EnvFeeder struct {
	Prefix string
}

// NewEnvFeeder creates an EnvFeeder for the given prefix.
func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: prefix}
}

// Feed implements Feeder.
func (f EnvFeeder) Feed(structure any) error {
	if f.Prefix == "" {
		return ErrEnvEmptyPrefix
	}
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrEnvInvalidStructure
	}
	return f.fillStruct(rv.Elem())
}

func (f EnvFeeder) fillStruct(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}

		if tag, ok := fieldType.Tag.Lookup("env"); ok {
			if err := f.setFromEnv(field, tag); err != nil {
				return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
			}
			continue
		}

		switch field.Kind() {
		case reflect.Struct:
			if err := f.fillStruct(field); err != nil {
				return err
			}
		case reflect.Pointer:
			if !field.IsNil() && field.Elem().Kind() == reflect.Struct {
				if err := f.fillStruct(field.Elem()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (f EnvFeeder) setFromEnv(field reflect.Value, tag string) error {
	name := strings.ToUpper(f.Prefix) + "_" + strings.ToUpper(tag)
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	if !field.CanSet() {
		return ErrFieldCannotBeSet
	}

	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts).Convert(field.Type()))
		return nil
	}

	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %s to type %v: %w", name, field.Type(), err)
	}
	cv := reflect.ValueOf(converted)
	if !cv.Type().AssignableTo(field.Type()) {
		if !cv.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("cannot convert %s to type %v", name, field.Type())
		}
		cv = cv.Convert(field.Type())
	}
	field.Set(cv)
	return nil
}
