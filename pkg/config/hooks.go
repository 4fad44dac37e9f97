package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// CustomHooks replace viper's default decode hooks. The string to duration and string to
// slice hooks are kept.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		PriorityHookFunc(),
		DurationListHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// PriorityHookFunc decodes priority names ("critical", "high", ...) into tasks.Priority.
func PriorityHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(tasks.PriorityNormal) {
			return data, nil
		}
		return tasks.ParsePriority(data.(string))
	}
}

// DurationListHookFunc decodes "1s,2s,5s" into a []time.Duration.
func DurationListHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]time.Duration(nil)) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []time.Duration{}, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]time.Duration, 0, len(parts))
		for _, p := range parts {
			d, err := time.ParseDuration(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	}
}
