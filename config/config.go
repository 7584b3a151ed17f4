// Package config loads the per-repository tuning file.  The file is
// optional; a missing file yields the defaults.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	yaml "gopkg.in/yaml.v2"
)

const DefaultMaxFilesPerDir = 1000
const DefaultL2PPageSize = 8192

// Config for a repository.  Sizes accept human readable suffixes ("64KB").
type Config struct {
	MaxFilesPerDir         int    `yaml:"max_files_per_dir"`
	L2PPageSize            int    `yaml:"l2p_page_size"`
	P2LPageSize            string `yaml:"p2l_page_size"`
	BlockSize              string `yaml:"block_size"`
	DeltifyDirectories     bool   `yaml:"deltify_directories"`
	DeltifyProperties      bool   `yaml:"deltify_properties"`
	MaxLinearDeltification int    `yaml:"max_linear_deltification"`
	MaxDeltificationWalk   int    `yaml:"max_deltification_walk"`
	RepSharing             *bool  `yaml:"rep_sharing"`
	// Stored and loaded but not consulted: repo.Open refuses repositories
	// laid out before logical addressing whatever its value.
	CompatPreLogicalAddressing bool `yaml:"compatible_pre_logical_addressing"`

	// Parsed forms of the size strings.
	P2LPageBytes int64 `yaml:"-"`
	BlockBytes   int64 `yaml:"-"`
}

// Marshal renders the config for persisting into a new repository.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Unmarshal the config
func Unmarshal(content []byte) (*Config, error) {
	// Default values specified here
	sharing := true
	cfg := &Config{
		MaxFilesPerDir:         DefaultMaxFilesPerDir,
		L2PPageSize:            DefaultL2PPageSize,
		P2LPageSize:            "64KB",
		BlockSize:              "64KB",
		DeltifyDirectories:     true,
		DeltifyProperties:      true,
		MaxLinearDeltification: 16,
		MaxDeltificationWalk:   1023,
		RepSharing:             &sharing,
	}
	err := yaml.Unmarshal(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads the config file, falling back to defaults if absent.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return Unmarshal(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := Unmarshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

func (c *Config) RepSharingAllowed() bool {
	return c.RepSharing == nil || *c.RepSharing
}

func (c *Config) validate() error {
	if c.MaxFilesPerDir < 1 {
		return fmt.Errorf("max_files_per_dir must be positive, got %d", c.MaxFilesPerDir)
	}
	if c.L2PPageSize < 1 {
		return fmt.Errorf("l2p_page_size must be positive, got %d", c.L2PPageSize)
	}
	if c.MaxLinearDeltification < 1 {
		return fmt.Errorf("max_linear_deltification must be positive, got %d",
			c.MaxLinearDeltification)
	}
	if c.MaxDeltificationWalk < 0 {
		return fmt.Errorf("max_deltification_walk must not be negative, got %d",
			c.MaxDeltificationWalk)
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.P2LPageSize)); err != nil || v == 0 {
		return fmt.Errorf("failed to parse '%s' as a size", c.P2LPageSize)
	}
	c.P2LPageBytes = int64(v.Bytes())
	if err := v.UnmarshalText([]byte(c.BlockSize)); err != nil || v == 0 {
		return fmt.Errorf("failed to parse '%s' as a size", c.BlockSize)
	}
	c.BlockBytes = int64(v.Bytes())
	return nil
}
