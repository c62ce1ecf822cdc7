package main

import (
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func SetupConfig() {
	viper.SetConfigName("kadesd")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.kades")
	viper.AddConfigPath("/etc/kades")

	err := viper.ReadInConfig()

	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatal("Failed to load config file: ", err.Error())
		}

		log.Debug("No config file found, using defaults")
	}

	viper.SetDefault("bind", map[string]interface{}{
		"addr":      "0.0.0.0:5060",
		"advertise": "",
		"transport": "udp",
	})

	// someday support postgresql, etc. Hence the map :)
	viper.SetDefault("store", map[string]interface{}{
		"backend": "sqlite",
		"path":    "./data/values.db",
		"ttl":     "24h",
	})

	viper.SetDefault("network", map[string]interface{}{
		"hashBits": 160,
		"k":        20,
		"alpha":    3,
		"timeout":  "800ms",
	})

	viper.SetDefault("bootstrap", "")
	viper.SetDefault("identity", "./data/identity")
	viper.SetDefault("refresh", "2m")

	viper.WatchConfig()

	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info("Config file changed, reloading: ", e.Name)
	})
}
