package config

import (
	"bytes"
	"fmt"

	"github.com/magiconair/properties"
	"github.com/spf13/viper"
)

// configType is the viper format name of the properties codec.
const configType = "properties"

// propertiesCodec reads and writes Java properties for viper. Values are
// taken literally: ${key} is not expanded.
type propertiesCodec struct{}

func (propertiesCodec) Decode(b []byte, v map[string]any) error {
	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(b)
	if err != nil {
		return err
	}
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		v[key] = value
	}
	return nil
}

func (propertiesCodec) Encode(v map[string]any) ([]byte, error) {
	p := properties.NewProperties()
	p.DisableExpansion = true
	for key, value := range v {
		if _, _, err := p.Set(key, fmt.Sprint(value)); err != nil {
			return nil, err
		}
	}
	p.Sort()

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func codecRegistry() viper.CodecRegistry {
	registry := viper.NewCodecRegistry()
	// RegisterCodec only fails on a nil registry
	_ = registry.RegisterCodec(configType, propertiesCodec{})
	return registry
}
