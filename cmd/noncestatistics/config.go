package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/freemyipod/noncestatistics/pkg/collector"
	"github.com/freemyipod/noncestatistics/pkg/devices"
)

const (
	configFileName  = "noncestatistics/config.yaml"
	devicesFileName = "noncestatistics/devices.plist"
)

// configKeys are the flags that may also be set from the config file or
// NONCESTATISTICS_* environment variables.
var configKeys = []string{"ecid", "times", "verbose", "no-color", "devices"}

type config struct {
	ECID       string
	Times      int
	Abort      bool
	Statistics bool
	Verbose    bool
	NoColor    bool
	Devices    string

	RetryDelay    time.Duration
	ResetPause    time.Duration
	SwitchTimeout time.Duration
	DFUAttempts   int
	DFUDelay      time.Duration
}

func (c *config) collector() collector.Config {
	return collector.Config{
		Times:         c.Times,
		RetryDelay:    c.RetryDelay,
		ResetPause:    c.ResetPause,
		SwitchTimeout: c.SwitchTimeout,
		AbortOnly:     c.Abort,
	}
}

// loadConfig layers defaults, the config file, the environment and flags,
// in increasing priority. cfgFile overrides config file discovery.
func loadConfig(fs *pflag.FlagSet, cfgFile string) (*config, error) {
	v := viper.New()
	def := collector.DefaultConfig()
	v.SetDefault("retry-delay", def.RetryDelay)
	v.SetDefault("reset-pause", def.ResetPause)
	v.SetDefault("switch-timeout", def.SwitchTimeout)
	v.SetDefault("dfu-attempts", 10)
	v.SetDefault("dfu-delay", time.Second)

	if cfgFile == "" {
		if p, err := xdg.SearchConfigFile(configFileName); err == nil {
			cfgFile = p
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		slog.Debug("Using config file", "path", v.ConfigFileUsed())
	}

	v.SetEnvPrefix("noncestatistics")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, k := range configKeys {
		if f := fs.Lookup(k); f != nil {
			if err := v.BindPFlag(k, f); err != nil {
				return nil, err
			}
		}
	}

	c := &config{
		ECID:          v.GetString("ecid"),
		Times:         v.GetInt("times"),
		Verbose:       v.GetBool("verbose"),
		NoColor:       v.GetBool("no-color"),
		Devices:       v.GetString("devices"),
		RetryDelay:    v.GetDuration("retry-delay"),
		ResetPause:    v.GetDuration("reset-pause"),
		SwitchTimeout: v.GetDuration("switch-timeout"),
		DFUAttempts:   v.GetInt("dfu-attempts"),
		DFUDelay:      v.GetDuration("dfu-delay"),
	}
	c.Abort, _ = fs.GetBool("abort")
	c.Statistics, _ = fs.GetBool("statistics")

	if c.Times < 0 {
		return nil, fmt.Errorf("times must not be negative")
	}
	if c.DFUAttempts < 1 {
		return nil, fmt.Errorf("dfu-attempts must be at least 1")
	}
	return c, nil
}

// loadDevices returns the built-in hardware model table, extended with the
// models listed in path, or in the devices file in the XDG config dirs.
func loadDevices(path string) (devices.Table, error) {
	explicit := path != ""
	if !explicit {
		p, err := xdg.SearchConfigFile(devicesFileName)
		if err != nil {
			return devices.Descriptions, nil
		}
		path = p
	}

	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return devices.Descriptions, nil
		}
		return nil, fmt.Errorf("could not open devices file: %w", err)
	}
	defer f.Close()

	extra, err := devices.ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("Loaded extra hardware models", "path", path, "count", len(extra))
	return devices.Descriptions.Merge(extra), nil
}
