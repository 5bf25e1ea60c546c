// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

// Config is the content of a volume configuration file. The format is chosen
// by the file extension (toml, yaml or json) and every option can be
// overridden by the environment variable in its tag.
type Config struct {
	Backend    string `toml:"backend" yaml:"backend" env:"PFVOL_BACKEND" env-default:"mem" env-description:"Volume backend: s3, bolt, null or mem."`
	Size       int64  `toml:"size" yaml:"size" env:"PFVOL_SIZE" env-default:"1073741824" env-description:"Volume capacity in bytes."`
	QueueDepth int    `toml:"queue_depth" yaml:"queue_depth" env:"PFVOL_QUEUEDEPTH" env-default:"128" env-description:"Max number of queued requests per direction."`
	Readers    int    `toml:"readers" yaml:"readers" env:"PFVOL_READERS" env-default:"4" env-description:"Number of goroutines serving reads."`
	Writers    int    `toml:"writers" yaml:"writers" env:"PFVOL_WRITERS" env-default:"4" env-description:"Number of goroutines serving writes."`

	S3 struct {
		Bucket    string `toml:"bucket" yaml:"bucket" env:"PFVOL_S3_BUCKET" env-default:"pfbd" env-description:"S3 Bucket name."`
		Remote    string `toml:"remote" yaml:"remote" env:"PFVOL_S3_REMOTE" env-default:"" env-description:"S3 Remote address. Empty string for AWS S3 endpoint."`
		Region    string `toml:"region" yaml:"region" env:"PFVOL_S3_REGION" env-default:"us-east-1" env-description:"S3 Region."`
		AccessKey string `toml:"access_key" yaml:"access_key" env:"PFVOL_S3_ACCESSKEY" env-default:"" env-description:"S3 Access Key."`
		SecretKey string `toml:"secret_key" yaml:"secret_key" env:"PFVOL_S3_SECRETKEY" env-default:"" env-description:"S3 Secret Key."`
		ChunkSize int64  `toml:"chunk_size" yaml:"chunk_size" env:"PFVOL_S3_CHUNKSIZE" env-default:"4194304" env-description:"Size of one object in bytes."`
	} `toml:"s3" yaml:"s3"`

	Bolt struct {
		Path        string `toml:"path" yaml:"path" env:"PFVOL_BOLT_PATH" env-default:"" env-description:"Database file. Defaults to <volume>.db in the working directory."`
		ChunkSize   int64  `toml:"chunk_size" yaml:"chunk_size" env:"PFVOL_BOLT_CHUNKSIZE" env-default:"65536" env-description:"Size of one stored value in bytes."`
		OpenTimeout int    `toml:"open_timeout" yaml:"open_timeout" env:"PFVOL_BOLT_OPENTIMEOUT" env-default:"1000" env-description:"Milliseconds to wait for the database lock held by another volume."`
	} `toml:"bolt" yaml:"bolt"`
}

// ReadConfig parses the volume configuration file. An empty path means
// environment variables and defaults only.
func ReadConfig(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, errors.Wrap(err, "reading volume config from environment")
		}
	} else if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "reading volume config %s", path)
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid volume config %s", path)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Size < 0 {
		return errors.Errorf("volume size %d is negative", c.Size)
	}

	if c.QueueDepth < 0 || c.Readers < 0 || c.Writers < 0 {
		return errors.Errorf("queue_depth %d, readers %d and writers %d must not be negative",
			c.QueueDepth, c.Readers, c.Writers)
	}

	if c.S3.ChunkSize <= 0 {
		return errors.Errorf("s3 chunk_size %d is not positive", c.S3.ChunkSize)
	}

	if c.Bolt.ChunkSize <= 0 {
		return errors.Errorf("bolt chunk_size %d is not positive", c.Bolt.ChunkSize)
	}

	if c.Bolt.OpenTimeout < 0 {
		return errors.Errorf("bolt open_timeout %d is negative", c.Bolt.OpenTimeout)
	}

	return nil
}
