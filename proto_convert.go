package logtrust

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const contentTypeProtobuf = "application/x-protobuf"

// isProtobufContentType matches both registered spellings of the protobuf
// media type.
func isProtobufContentType(ct string) bool {
	return strings.HasPrefix(ct, "application/x-protobuf") ||
		strings.HasPrefix(ct, "application/protobuf")
}

// jsonToStruct converts a JSON object into a protobuf Struct. An empty input
// yields an empty Struct.
func jsonToStruct(raw json.RawMessage) (*structpb.Struct, error) {
	st := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if len(raw) == 0 {
		return st, nil
	}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("convert to struct: %w", err)
	}
	return st, nil
}

// structToJSON converts a protobuf Struct back to JSON.
func structToJSON(st *structpb.Struct) ([]byte, error) {
	b, err := protojson.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("convert from struct: %w", err)
	}
	return b, nil
}

// toStruct converts any JSON-marshalable value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonToStruct(b)
}
