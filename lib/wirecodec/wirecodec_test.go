package wirecodec

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// writeDescriptorSet compiles a minimal stand-in for the vendor's
// schema into a descriptor set file.
func writeDescriptorSet(t *testing.T) string {
	t.Helper()

	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	optional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL

	fds := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{{
			Name:    proto.String("stream.proto"),
			Syntax:  proto.String("proto3"),
			Package: proto.String("stream"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("BackMsg"),
					Field: []*descriptorpb.FieldDescriptorProto{{
						Name:     proto.String("query_string"),
						JsonName: proto.String("queryString"),
						Number:   proto.Int32(1),
						Type:     &str,
						Label:    &optional,
					}},
				},
				{
					Name: proto.String("ForwardMsg"),
					Field: []*descriptorpb.FieldDescriptorProto{{
						Name:     proto.String("script_finished"),
						JsonName: proto.String("scriptFinished"),
						Number:   proto.Int32(1),
						Type:     &str,
						Label:    &optional,
					}},
				},
			},
		}},
	}

	blob, err := proto.Marshal(fds)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "stream.binpb")
	require.NoError(t, os.WriteFile(path, blob, 0o644))
	return path
}

func TestDescriptorCodecRoundtrip(t *testing.T) {
	codec, err := NewDescriptorCodec(writeDescriptorSet(t))
	require.NoError(t, err)

	wire, err := codec.Encode(map[string]any{"queryString": "user_address=0xabc"}, SchemaRequest)
	require.NoError(t, err)
	require.NotEmpty(t, wire)

	decoded, err := codec.Decode(wire, SchemaRequest)
	require.NoError(t, err)
	require.Equal(t, "user_address=0xabc", decoded["queryString"])
}

func TestDescriptorCodecDiscardsUnknownKeys(t *testing.T) {
	codec, err := NewDescriptorCodec(writeDescriptorSet(t))
	require.NoError(t, err)

	wire, err := codec.Encode(map[string]any{
		"queryString":  "user_address=0xabc",
		"notInSchema": true,
	}, SchemaRequest)
	require.NoError(t, err)
	require.NotEmpty(t, wire)
}

func TestDescriptorCodecUnknownSchema(t *testing.T) {
	codec, err := NewDescriptorCodec(writeDescriptorSet(t))
	require.NoError(t, err)

	_, err = codec.Encode(map[string]any{}, "NoSuchMsg")
	require.Error(t, err)
	_, err = codec.Decode(nil, "NoSuchMsg")
	require.Error(t, err)
}

func TestDescriptorCodecBadFrame(t *testing.T) {
	codec, err := NewDescriptorCodec(writeDescriptorSet(t))
	require.NoError(t, err)

	_, err = codec.Decode([]byte{0xff, 0xff, 0xff}, SchemaResponse)
	require.Error(t, err)
}

func TestDecodeBase64(t *testing.T) {
	codec, err := NewDescriptorCodec(writeDescriptorSet(t))
	require.NoError(t, err)

	wire, err := codec.Encode(map[string]any{"scriptFinished": "FINISHED_SUCCESSFULLY"}, SchemaResponse)
	require.NoError(t, err)

	decoded, err := DecodeBase64(codec, base64.StdEncoding.EncodeToString(wire), SchemaResponse)
	require.NoError(t, err)
	require.Equal(t, "FINISHED_SUCCESSFULLY", decoded["scriptFinished"])
}

func TestNewDescriptorCodecMissingFile(t *testing.T) {
	_, err := NewDescriptorCodec(filepath.Join(t.TempDir(), "missing.binpb"))
	require.Error(t, err)
}
