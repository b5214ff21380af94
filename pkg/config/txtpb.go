package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// skippedProtobufFlags is the list of command line flags on which the protobuf check is disabled.
var skippedProtobufFlags = []string{"print_version", "config_file"}

// protobufValueToString converts a protobuf field value to its string representation suitable for flag setting.
func protobufValueToString(fd protoreflect.FieldDescriptor, v protoreflect.Value) (string, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return strconv.FormatBool(v.Bool()), nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return strconv.FormatInt(v.Int(), 10), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return strconv.FormatUint(v.Uint(), 10), nil
	case protoreflect.FloatKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), nil
	case protoreflect.DoubleKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case protoreflect.StringKind:
		return v.String(), nil
	case protoreflect.BytesKind:
		return base64.StdEncoding.EncodeToString(v.Bytes()), nil
	default:
		return "", fmt.Errorf("unsupported kind: %v", fd.Kind())
	}
}

// parseConfig parses the prototext bytes into a strata.Config message.
func parseConfig(configBytes []byte) (protoreflect.Message, error) {
	conf := dynamicpb.NewMessage(configDescriptor)
	if err := prototext.Unmarshal(configBytes, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// collectFlags collects the flag values set in the given config message, keyed by flag name.
func collectFlags(conf protoreflect.Message) (map[ /*flagName*/ string] /*flagValue*/ string, error) {
	flags := make(map[string]string)
	var err error
	conf.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.IsList() || fd.IsMap() {
			err = fmt.Errorf("repeated/map not supported: %s", fd.FullName())
			return false
		}
		stringValue, convErr := protobufValueToString(fd, v)
		if convErr != nil {
			err = fmt.Errorf("failed to convert %s: %w", fd.FullName(), convErr)
			return false
		}
		flags[string(fd.Name())] = stringValue
		return true
	})
	return flags, err
}

// setConfigFlags sets all the filled fields of the given `conf` to the global flag variables.
func setConfigFlags(conf protoreflect.Message) error {
	configFlags, err := collectFlags(conf)
	if err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	for flagName, flagValue := range configFlags {
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// CollectUnregisteredFlags collects all flags that haven't been registered in the protobuf config.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	fields := configDescriptor.Fields()
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedProtobufFlags, f.Name) {
			return
		}
		if fields.ByName(protoreflect.Name(f.Name)) == nil {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in protobuf config", f.Name))
		}
	})
	return errs
}
