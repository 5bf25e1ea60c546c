// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"

	"github.com/asch/pfbd/internal/pfbd"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/pfbd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure. Devices can be given only
// in the file. A zero value in the file is replaced by the default.
type Config struct {
	ConfigPath string

	Threads    int `toml:"threads" env:"PFBD_THREADS" env-default:"4" env-description:"Number of reactor threads."`
	IOPoolSize int `toml:"io_pool_size" env:"PFBD_IO_POOL_SIZE" env-default:"1024" env-description:"Number of preallocated request slots per device."`

	RPC struct {
		Listen  string `toml:"listen" env:"PFBD_RPC_LISTEN" env-default:"127.0.0.1:5260" env-description:"Address of the management JSON-RPC server."`
		Timeout int    `toml:"timeout" env:"PFBD_RPC_TIMEOUT" env-default:"30" env-description:"Timeout of one management call in seconds."`
	} `toml:"rpc"`

	Log struct {
		Level  int  `toml:"level" env:"PFBD_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"PFBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Metrics      bool `toml:"metrics" env:"PFBD_METRICS" env-description:"Serve prometheus metrics on /metrics of the RPC server." env-default:"false"`
	Profiler     bool `toml:"profiler" env:"PFBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"PFBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`

	// Devices created at startup, in the format of bdev_pfbd_create params.
	Devices []pfbd.Params `toml:"device"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. A missing
// file at the default path is fine, a missing file given explicitly is not.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if _, statErr := os.Stat(Cfg.ConfigPath); statErr == nil || Cfg.ConfigPath != defaultConfig {
			return errors.Wrapf(err, "reading %s", Cfg.ConfigPath)
		}

		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return validate(&Cfg)
}

func validate(c *Config) error {
	if c.Threads < 1 {
		c.Threads = 1
	}

	if c.IOPoolSize < 1 {
		return errors.Errorf("io_pool_size must be positive, got %d", c.IOPoolSize)
	}

	if c.RPC.Timeout < 1 {
		c.RPC.Timeout = 30
	}

	for i, d := range c.Devices {
		if d.BdName == "" || d.BlockSize == 0 {
			return errors.Errorf("device %d: bd_name and block_size are required", i)
		}
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("pfbd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
