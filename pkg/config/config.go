// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the gateway environment configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Env gateway environment configuration.
type Env struct {
	Port     int `yaml:"port"`     // Admin HTTP port.
	RTSPPort int `yaml:"rtspPort"` // RTSP listener port.

	BrokerURL    string `yaml:"brokerUrl"`    // Domain/security services endpoint.
	BrokerWSURL  string `yaml:"brokerWsUrl"`  // Event subscription endpoint.
	MediaAddr    string `yaml:"mediaAddr"`    // Live sample access point, host:port.
	AccountsPath string `yaml:"accountsPath"` // User accounts file.

	StorageDir string `yaml:"storageDir"`
	ConfigDir  string

	// Reserved credential that, combined with a loopback peer,
	// bypasses broker authorization.
	LoopbackUser string `yaml:"loopbackUser"`
	LoopbackPass string `yaml:"loopbackPass"`

	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

const (
	defaultPort     = 8080
	defaultRTSPPort = 8554

	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrNoBrokerURL     = errors.New("brokerUrl is required")
	ErrNoMediaAddr     = errors.New("mediaAddr is required")
)

// NewEnv returns the environment configuration from raw yaml.
func NewEnv(envPath string, envYAML []byte) (*Env, error) {
	var env Env
	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = defaultPort
	}
	if env.RTSPPort == 0 {
		env.RTSPPort = defaultRTSPPort
	}
	if env.ReadTimeout == 0 {
		env.ReadTimeout = defaultReadTimeout
	}
	if env.WriteTimeout == 0 {
		env.WriteTimeout = defaultWriteTimeout
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.AccountsPath == "" {
		env.AccountsPath = filepath.Join(env.ConfigDir, "users.json")
	}

	if env.BrokerURL == "" {
		return nil, ErrNoBrokerURL
	}
	if env.MediaAddr == "" {
		return nil, ErrNoMediaAddr
	}

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("%w: storageDir: %v", ErrPathNotAbsolute, env.StorageDir)
	}

	if err := os.MkdirAll(env.StorageDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &env, nil
}
