// ABOUTME: YAML config file loading and precedence merging for the CLI.
// ABOUTME: Flags win over file values; file values win over built-in defaults.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultConfigFile is consulted when no -config flag is given.
const defaultConfigFile = "maru.yaml"

// fileConfig mirrors the YAML config file shape.
type fileConfig struct {
	Addr    string `yaml:"addr"`
	DB      string `yaml:"db"`
	User    string `yaml:"user"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Retry   string `yaml:"retry"`
}

// loadConfigFile reads the YAML config file. An explicitly given path must
// exist; the default path is silently skipped when absent.
func loadConfigFile(path string) (fileConfig, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return fileConfig{}, nil
		}
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// applyFile fills config fields the flags left empty, then applies built-in
// defaults for anything still unset.
func (c *config) applyFile(fc fileConfig) {
	if c.addr == "" {
		c.addr = fc.Addr
	}
	if c.dbPath == "" {
		c.dbPath = fc.DB
	}
	if c.userID == "" {
		c.userID = fc.User
	}
	if c.model == "" {
		c.model = fc.Model
	}
	if c.baseURL == "" {
		c.baseURL = fc.BaseURL
	}
	if c.retryPolicy == "" {
		c.retryPolicy = fc.Retry
	}

	if c.addr == "" {
		c.addr = "127.0.0.1:2496"
	}
	if c.dbPath == "" {
		c.dbPath = "maru.db"
	}
	if c.retryPolicy == "" {
		c.retryPolicy = "none"
	}
}
