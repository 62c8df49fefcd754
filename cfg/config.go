// Copyright 2024 Stackblaze Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Octal is an integer parsed from octal notation (e.g. mode bits).
type Octal int

// LogSeverity is one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
type LogSeverity string

type Config struct {
	AppName string `yaml:"app-name"`

	Logging LoggingConfig `yaml:"logging"`

	Store StoreConfig `yaml:"store"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Metrics MetricsConfig `yaml:"metrics"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	// "text" or "json".
	Format string `yaml:"format"`

	// Log to this file instead of stderr.
	FilePath string `yaml:"file-path"`

	MaxSizeMb int `yaml:"max-size-mb"`

	MaxBackups int `yaml:"max-backups"`

	Compress bool `yaml:"compress"`
}

type StoreConfig struct {
	// Path of the file holding the 32-byte value-encryption key.
	KeyFile string `yaml:"key-file"`

	// Compress values before sealing them.
	Compression bool `yaml:"compression"`
}

type FileSystemConfig struct {
	// Files at most this large keep their body inline in the inode record.
	InlineThresholdBytes uint64 `yaml:"inline-threshold-bytes"`

	// Global writeback cache budget.
	WritebackBudgetBytes uint64 `yaml:"writeback-budget-bytes"`

	// Per-file writeback ceiling.
	WritebackFileCeilingBytes uint64 `yaml:"writeback-file-ceiling-bytes"`

	// Capacity policy; zero means unlimited.
	LimitBytes  uint64 `yaml:"limit-bytes"`
	LimitInodes uint64 `yaml:"limit-inodes"`

	FileMode Octal `yaml:"file-mode"`

	DirMode Octal `yaml:"dir-mode"`
}

type MetricsConfig struct {
	// Address for the Prometheus endpoint, or empty to disable it.
	ListenAddress string `yaml:"listen-address"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this process.")

	err = viper.BindPFlag("app-name", flagSet.Lookup("app-name"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Severity of logs to emit: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")

	err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Format of the logs: text or json.")

	err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Log to this file instead of stderr.")

	err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("key-file", "", "", "Path of the file holding the value-encryption key.")

	err = viper.BindPFlag("store.key-file", flagSet.Lookup("key-file"))
	if err != nil {
		return err
	}

	flagSet.BoolP("compression", "", true, "Compress values before sealing them.")

	err = viper.BindPFlag("store.compression", flagSet.Lookup("compression"))
	if err != nil {
		return err
	}

	flagSet.Uint64P("inline-threshold-bytes", "", 4096, "Keep files at most this large inline in the inode record.")

	err = viper.BindPFlag("file-system.inline-threshold-bytes", flagSet.Lookup("inline-threshold-bytes"))
	if err != nil {
		return err
	}

	flagSet.Uint64P("writeback-budget-bytes", "", 64<<20, "Global writeback cache budget.")

	err = viper.BindPFlag("file-system.writeback-budget-bytes", flagSet.Lookup("writeback-budget-bytes"))
	if err != nil {
		return err
	}

	flagSet.Uint64P("writeback-file-ceiling-bytes", "", 128<<10, "Per-file writeback ceiling.")

	err = viper.BindPFlag("file-system.writeback-file-ceiling-bytes", flagSet.Lookup("writeback-file-ceiling-bytes"))
	if err != nil {
		return err
	}

	flagSet.Uint64P("limit-bytes", "", 0, "Refuse writes past this many stored bytes. Zero disables the limit.")

	err = viper.BindPFlag("file-system.limit-bytes", flagSet.Lookup("limit-bytes"))
	if err != nil {
		return err
	}

	flagSet.Uint64P("limit-inodes", "", 0, "Refuse creation past this many inodes. Zero disables the limit.")

	err = viper.BindPFlag("file-system.limit-inodes", flagSet.Lookup("limit-inodes"))
	if err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0o644, "Permission bits for new files, in octal.")

	err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.IntP("dir-mode", "", 0o755, "Permission bits for new directories, in octal.")

	err = viper.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode"))
	if err != nil {
		return err
	}

	flagSet.StringP("metrics-listen-address", "", "", "Serve Prometheus metrics on this address, e.g. :9102.")

	err = viper.BindPFlag("metrics.listen-address", flagSet.Lookup("metrics-listen-address"))
	if err != nil {
		return err
	}

	return nil
}
