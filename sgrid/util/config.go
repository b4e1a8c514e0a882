package util

import (
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

var loadConfigOnce sync.Once

// Configuration is the read surface handed to components that take their
// settings from a config file. Components that need deterministic wiring
// (the EC engine) take explicit option structs instead and use
// OptionsFromConfig-style bridges.
type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetStringSlice(key string) []string
	SetDefault(key string, value interface{})
}

// LoadConfiguration merges the named config file (sgrid for the cluster
// config) from the usual locations into the global viper instance.
// Missing files are fine unless required is set.
func LoadConfiguration(configFileName string, required bool) (loaded bool) {

	viper.SetConfigName(configFileName)
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.shardgrid")
	viper.AddConfigPath("/usr/local/etc/shardgrid/")
	viper.AddConfigPath("/etc/shardgrid/")

	if err := viper.MergeInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			glog.V(1).Infof("reading %s: %v", viper.ConfigFileUsed(), err)
		} else {
			glog.Fatalf("reading %s: %v", viper.ConfigFileUsed(), err)
		}
		if required {
			glog.Fatalf("failed to load %s.toml from current directory, $HOME/.shardgrid/, /usr/local/etc/shardgrid/, or /etc/shardgrid/", configFileName)
		}
		return false
	}

	glog.V(1).Infof("read configuration from %s", viper.ConfigFileUsed())
	return true
}

// LoadClusterConfiguration loads the shared cluster config exactly once.
func LoadClusterConfiguration() {
	loadConfigOnce.Do(func() {
		LoadConfiguration("sgrid", false)
	})
}

// GetViper returns the global configuration.
func GetViper() Configuration {
	return viper.GetViper()
}
