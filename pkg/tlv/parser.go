package tlv

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Unmarshal parses raw BER-TLV data and maps it into a target Go struct.
// Struct fields carry a `tlv:"<hex tag>"` tag; supported field kinds are
// []byte for primitive data objects and structs (or pointers to structs)
// for constructed templates. Tags absent from the data leave the field
// untouched, so optional data objects map naturally to nil slices.
func Unmarshal(data []byte, target interface{}) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("bertlv decode failed: %w", err)
	}
	return unmarshalPackets(packets, target)
}

func unmarshalPackets(packets []bertlv.TLV, target interface{}) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer")
	}
	v = v.Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		tagHex := strings.ToUpper(t.Field(i).Tag.Get("tlv"))
		if tagHex == "" {
			continue
		}

		for _, packet := range packets {
			if strings.ToUpper(packet.Tag) != tagHex {
				continue
			}
			if err := decodeToField(packet, v.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", t.Field(i).Name, err)
			}
		}
	}

	return nil
}

func decodeToField(packet bertlv.TLV, field reflect.Value) error {
	// Primitive data objects map to byte slices.
	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8 {
		field.SetBytes(packetRawData(packet))
		return nil
	}

	// Constructed templates recurse into nested structs.
	if target, ok := structTarget(field); ok {
		if len(packet.TLVs) > 0 {
			return unmarshalPackets(packet.TLVs, target.Interface())
		}
		return Unmarshal(packet.Value, target.Interface())
	}

	return fmt.Errorf("unsupported field kind %s", field.Kind())
}

func structTarget(field reflect.Value) (reflect.Value, bool) {
	if field.Kind() == reflect.Struct {
		return field.Addr(), true
	}
	if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return field, true
	}
	return reflect.Value{}, false
}
