// Package config loads and saves the rtegdb configuration file, which
// holds defaults for options that rarely change between runs (server
// address, file names). Command-line flags always win over the file.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".rtegdb"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through
// the config file.
type Config struct {
	// IPAddress is the default GDB server address.
	IPAddress string `yaml:"ip-address,omitempty"`
	// BinFile is the default snapshot output file.
	BinFile string `yaml:"bin-file,omitempty"`
	// FilterNames is the default filter-names file.
	FilterNames string `yaml:"filter-names,omitempty"`
	// DecodeCommand is the default decoder invocation run after a
	// successful transfer.
	DecodeCommand string `yaml:"decode-command,omitempty"`
	// MsgSize overrides the receive packet size requested from the
	// GDB server (256..65535).
	MsgSize int `yaml:"msgsize,omitempty"`
	// Drivers lists process names elevated together with rtegdb when
	// priority elevation is on.
	Drivers []string `yaml:"drivers"`
}

// LoadConfig attempts to populate a Config object from the config.yml
// file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the rtegdb data transfer utility.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# GDB server address used when -ip is not given.
# ip-address: 127.0.0.1

# Snapshot output file used when -bin is not given.
# bin-file: data.bin

# File with one message-filter name per bit line.
# filter-names: filters.txt

# Decoder command started after every successful transfer.
# decode-command: decode.cmd

# Receive packet size requested from the GDB server (256..65535).
# msgsize: 16384

# Debug-probe driver processes elevated together with rtegdb when
# -priority is given.
drivers: []
`)
	return err
}

// createConfigPath creates the directory structure at which all config
// files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
