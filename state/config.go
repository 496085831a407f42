// Package state holds gateway configuration and the channel status
// store shared by the outer surfaces.
package state

import (
	"os"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/shutterbus/funkgw/helpers"
)

type Config struct {
	Stick struct {
		Device    string `hcl:"device"`
		Baud      int    `hcl:"baud"`
		TimeoutMS int    `hcl:"timeout_ms"`
		DelayMS   int    `hcl:"delay_ms"`
		LogDebug  bool   `hcl:"log_debug"`
	} `hcl:"stick"`

	API struct {
		Listen string `hcl:"listen"`
		// Enables bearer JWT auth on /api when set.
		AuthSecret string `hcl:"auth_secret"`
	} `hcl:"api"`

	Tele struct {
		Enable   bool   `hcl:"enable"`
		Broker   string `hcl:"broker"`
		Prefix   string `hcl:"prefix"`
		Username string `hcl:"username"`
		Password string `hcl:"password"`
		LogDebug bool   `hcl:"log_debug"`
	} `hcl:"tele"`

	Sched struct {
		Enable    bool    `hcl:"enable"`
		Latitude  float64 `hcl:"latitude"`
		Longitude float64 `hcl:"longitude"`
	} `hcl:"sched"`

	Persist struct {
		// Empty root disables persistence of channel names and
		// schedule rules.
		Root string `hcl:"root"`
	} `hcl:"persist"`
}

func (c *Config) ResponseTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.Stick.TimeoutMS, 5*time.Second)
}

func (c *Config) CommandDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.Stick.DelayMS, 500*time.Millisecond)
}

func ReadConfig(b []byte) (*Config, error) {
	c := new(Config)
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotate(err, "config parse")
	}
	if c.Stick.Device == "" {
		c.Stick.Device = "/dev/ttyUSB0"
	}
	if c.Stick.Baud == 0 {
		c.Stick.Baud = 9600
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8080"
	}
	if c.Tele.Prefix == "" {
		c.Tele.Prefix = "funkgw"
	}
	if c.Tele.Enable && c.Tele.Broker == "" {
		return nil, errors.Errorf("config: tele.enable requires tele.broker")
	}
	return c, nil
}

func ReadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config file=%s", path)
	}
	c, err := ReadConfig(b)
	return c, errors.Annotatef(err, "config file=%s", path)
}

func MustReadConfigFile(fatal func(...interface{}), path string) *Config {
	c, err := ReadConfigFile(path)
	if err != nil {
		fatal(errors.ErrorStack(err))
	}
	return c
}
