package backend

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/v2"
)

// String returns the string value for key, or def when missing or empty.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Decode copies the parameters into out, a pointer to a struct with koanf
// tags. Fields whose parameter is missing, nil or blank keep their value.
func (p Params) Decode(out any) error {
	set := make(map[string]any, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		set[k] = v
	}

	k := koanf.New(".")
	if err := k.Load(paramsProvider(set), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := k.UnmarshalWithConf("", out, UnmarshalConf(out)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// UnmarshalConf returns the koanf decoding used for connection parameters and
// router settings. Input is weakly typed, so "6334" fills an int and "true" a
// bool, but a fractional number never fills an integer field.
func UnmarshalConf(out any) koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				trimScalar,
				rejectFraction,
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           out,
			TagName:          "koanf",
			WeaklyTypedInput: true,
		},
	}
}

type paramsProvider map[string]any

func (p paramsProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("paramsProvider does not support ReadBytes")
}

func (p paramsProvider) Read() (map[string]any, error) {
	return p, nil
}

func trimScalar(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.String || to == reflect.String || to == reflect.Interface {
		return data, nil
	}
	if s, ok := data.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return data, nil
}

func rejectFraction(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.Float32 && from != reflect.Float64 {
		return data, nil
	}
	switch to {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	f := reflect.ValueOf(data).Float()
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("%v is not an integer", data)
	}
	return data, nil
}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
