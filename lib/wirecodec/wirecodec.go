// Package wirecodec converts between the remote endpoint's binary frame
// format and generic key-value structures. The frame schema is vendor
// defined, it is loaded at runtime from a compiled descriptor set rather
// than generated into this repository.
package wirecodec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Schema names for the two frame directions.
const (
	SchemaRequest  = "BackMsg"
	SchemaResponse = "ForwardMsg"
)

type Codec interface {
	Encode(payload map[string]any, schema string) ([]byte, error)
	Decode(data []byte, schema string) (map[string]any, error)
}

// DescriptorCodec implements Codec on top of a FileDescriptorSet blob
// (produced by `protoc --descriptor_set_out` against the vendor's
// schema files).
type DescriptorCodec struct {
	files *protoregistry.Files
}

func NewDescriptorCodec(descriptorSetPath string) (*DescriptorCodec, error) {
	blob, err := os.ReadFile(descriptorSetPath)
	if err != nil {
		return nil, err
	}
	var fds descriptorpb.FileDescriptorSet
	err = proto.Unmarshal(blob, &fds)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor set %s: %w", descriptorSetPath, err)
	}
	files, err := protodesc.NewFiles(&fds)
	if err != nil {
		return nil, err
	}
	return &DescriptorCodec{files: files}, nil
}

func (c *DescriptorCodec) lookupMessage(schema string) (protoreflect.MessageDescriptor, error) {
	var found protoreflect.MessageDescriptor
	c.files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		md := fd.Messages().ByName(protoreflect.Name(schema))
		if md != nil {
			found = md
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("unknown frame schema %q", schema)
	}
	return found, nil
}

func (c *DescriptorCodec) Encode(payload map[string]any, schema string) ([]byte, error) {
	md, err := c.lookupMessage(schema)
	if err != nil {
		return nil, err
	}

	asJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(asJSON, msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", schema, err)
	}
	return proto.Marshal(msg)
}

func (c *DescriptorCodec) Decode(data []byte, schema string) (map[string]any, error) {
	md, err := c.lookupMessage(schema)
	if err != nil {
		return nil, err
	}

	msg := dynamicpb.NewMessage(md)
	err = proto.Unmarshal(data, msg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", schema, err)
	}
	asJSON, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	err = json.Unmarshal(asJSON, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeBase64 decodes a base64-encoded binary frame, the form debug
// dumps store frames in.
func DecodeBase64(c Codec, text, schema string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, err
	}
	return c.Decode(raw, schema)
}
