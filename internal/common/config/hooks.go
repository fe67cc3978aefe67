package config

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks are the extra decode hooks applied when unmarshalling
// application config, on top of viper's defaults.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		ByteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// ByteSizeDecodeHook decodes strings and integers into ByteSize fields.
func ByteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			return ParseByteSize(data.(string))
		case reflect.Int, reflect.Int64, reflect.Float64:
			return ParseByteSize(fmt.Sprintf("%v", data))
		default:
			return data, nil
		}
	}
}
