package config

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// AttributeMap holds model specific attributes that are decoded into a native struct by the
// model that consumes them.
type AttributeMap map[string]interface{}

// Has returns whether the given field is in the attribute map.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// String returns the string value of name, or the empty string if it is unset or not a string.
func (am AttributeMap) String(name string) string {
	if s, ok := am[name].(string); ok {
		return s
	}
	return ""
}

// DecodeAttributes decodes attributes into a new T using the attributes' json field names.
// Strings like "250ms" decode into time.Duration fields.
func DecodeAttributes[T any](attributes AttributeMap) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return out, errors.Wrapf(err, "failed to decode attributes into %T", out)
	}
	return out, nil
}
