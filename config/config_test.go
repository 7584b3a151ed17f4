package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const defaultConfig = `
max_files_per_dir:   1000
l2p_page_size:       8192
p2l_page_size:       64KB
deltify_directories: true
`

func loadOrFail(t *testing.T, content string) *Config {
	cfg, err := Unmarshal([]byte(content))
	if err != nil {
		t.Fatalf("Error parsing config: %v", err)
	}
	return cfg
}

func checkValueInt(t *testing.T, fieldname string, val int, expected int) {
	if val != expected {
		t.Fatalf("Error parsing %s, expected '%v' got '%v'", fieldname, expected, val)
	}
}

func TestValidConfig(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	checkValueInt(t, "MaxFilesPerDir", cfg.MaxFilesPerDir, 1000)
	checkValueInt(t, "L2PPageSize", cfg.L2PPageSize, 8192)
	assert.Equal(t, int64(64*1024), cfg.P2LPageBytes)
	assert.True(t, cfg.DeltifyDirectories)
	assert.True(t, cfg.RepSharingAllowed())
}

func TestEmptyConfigGetsDefaults(t *testing.T) {
	cfg := loadOrFail(t, "")
	checkValueInt(t, "MaxFilesPerDir", cfg.MaxFilesPerDir, DefaultMaxFilesPerDir)
	checkValueInt(t, "L2PPageSize", cfg.L2PPageSize, DefaultL2PPageSize)
	checkValueInt(t, "MaxLinearDeltification", cfg.MaxLinearDeltification, 16)
	checkValueInt(t, "MaxDeltificationWalk", cfg.MaxDeltificationWalk, 1023)
	assert.Positive(t, cfg.BlockBytes)
	assert.True(t, cfg.RepSharingAllowed())
}

func TestRepSharingDisabled(t *testing.T) {
	cfg := loadOrFail(t, "rep_sharing: false\n")
	assert.False(t, cfg.RepSharingAllowed())
}

func TestBadSizeRejected(t *testing.T) {
	_, err := Unmarshal([]byte("block_size: notasize\n"))
	assert.Error(t, err)
}

func TestBadShardSizeRejected(t *testing.T) {
	_, err := Unmarshal([]byte("max_files_per_dir: 0\n"))
	assert.Error(t, err)
}
