package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/nobletooth/strata/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func TestBuildConfigDescriptor(t *testing.T) {
	md, err := buildConfigDescriptor()
	require.NoError(t, err)
	assert.Equal(t, "strata.Config", string(md.FullName()))
	assert.Equal(t, len(configFields), md.Fields().Len())
	for _, field := range configFields {
		assert.NotNilf(t, md.Fields().ByName(protoreflect.Name(field.flagName)), "missing field %s", field.flagName)
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		conf, err := parseConfig([]byte(`
			data_dir: "/tmp/strata"
			memtable_flush_size_bytes: 4096
			enable_value_cache: false
			bloom_false_positive_rate: 0.05
		`))
		require.NoError(t, err)
		flags, err := collectFlags(conf)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"data_dir":                  "/tmp/strata",
			"memtable_flush_size_bytes": "4096",
			"enable_value_cache":        "false",
			"bloom_false_positive_rate": "0.05",
		}, flags)
	})
	t.Run("unknown_field", func(t *testing.T) {
		_, err := parseConfig([]byte(`no_such_flag: 1`))
		assert.Error(t, err)
	})
	t.Run("wrong_type", func(t *testing.T) {
		_, err := parseConfig([]byte(`level_count: "ten"`))
		assert.Error(t, err)
	})
}

func TestLoadConfigFile(t *testing.T) {
	utils.SetTestFlag(t, "log_level", "info") // Restores the flag when the test is done.
	path := filepath.Join(t.TempDir(), "config.txtpb")
	require.NoError(t, os.WriteFile(path, []byte(`log_level: "debug"`), 0o644))

	require.NoError(t, LoadConfigFile(path))
	assert.Equal(t, "debug", flag.Lookup("log_level").Value.String())

	err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.txtpb"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSetConfigFlags_UnknownFlag(t *testing.T) {
	// bench_keys lives in the binary, so it is not registered inside this test.
	conf, err := parseConfig([]byte(`bench_keys: 10`))
	require.NoError(t, err)
	assert.Error(t, setConfigFlags(conf))
}
