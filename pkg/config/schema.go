// The strata config file is a prototext (.txtpb) rendition of the `strata.Config` message. Every field of the
// message is named after the command line flag it overrides, so the schema doubles as the flag registry.
// The descriptor is assembled at init time, which keeps the binary free of generated code.

package config

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// configField declares one flag-backed field of strata.Config.
type configField struct {
	flagName string
	kind     descriptorpb.FieldDescriptorProto_Type
}

// configFields lists the flag-backed fields in field number order; append only, never reorder.
var configFields = []configField{
	{flagName: "data_dir", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{flagName: "memtable_flush_size_bytes", kind: descriptorpb.FieldDescriptorProto_TYPE_INT64},
	{flagName: "level_count", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{flagName: "level_capacity_base", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{flagName: "bloom_false_positive_rate", kind: descriptorpb.FieldDescriptorProto_TYPE_DOUBLE},
	{flagName: "enable_value_cache", kind: descriptorpb.FieldDescriptorProto_TYPE_BOOL},
	{flagName: "value_cache_capacity", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{flagName: "value_cache_shard_count", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{flagName: "log_handler_type", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{flagName: "log_level", kind: descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{flagName: "bench_keys", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{flagName: "bench_value_size", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{flagName: "bench_rounds", kind: descriptorpb.FieldDescriptorProto_TYPE_INT32},
}

var configDescriptor = mustBuildConfigDescriptor()

// buildConfigDescriptor assembles the strata.Config message descriptor out of configFields.
// Proto2 syntax is used so every field has explicit presence, e.g. `enable_value_cache: false` is still applied.
func buildConfigDescriptor() (protoreflect.MessageDescriptor, error) {
	fields := make([]*descriptorpb.FieldDescriptorProto, 0, len(configFields))
	for idx, field := range configFields {
		fields = append(fields, &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(field.flagName),
			Number: proto.Int32(int32(idx + 1)),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   field.kind.Enum(),
		})
	}
	file, err := protodesc.NewFile(&descriptorpb.FileDescriptorProto{
		Name:        proto.String("strata/config.proto"),
		Package:     proto.String("strata"),
		Syntax:      proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{{Name: proto.String("Config"), Field: fields}},
	}, nil /*resolver*/)
	if err != nil {
		return nil, fmt.Errorf("failed to build config descriptor: %w", err)
	}
	return file.Messages().ByName("Config"), nil
}

func mustBuildConfigDescriptor() protoreflect.MessageDescriptor {
	md, err := buildConfigDescriptor()
	if err != nil {
		panic(err)
	}
	return md
}
