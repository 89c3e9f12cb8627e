package config

import (
	"flag"
	"time"
)

type Config struct {
	RedisURL      string
	GpsdServer    string
	MQTTBroker    string
	MQTTClientID  string
	WlanInterface string
	TickRate      time.Duration
	SettingsFile  string
	Debug         bool
}

func New() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.RedisURL, "redis-url", "redis://127.0.0.1:6379", "Redis URL")
	flag.StringVar(&cfg.GpsdServer, "gpsd-server", "localhost:2947", "GPSD server address")
	flag.StringVar(&cfg.MQTTBroker, "mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker for location uplink")
	flag.StringVar(&cfg.MQTTClientID, "mqtt-client-id", "tracker-service", "MQTT client identifier")
	flag.StringVar(&cfg.WlanInterface, "wlan-interface", "wlan0", "WiFi interface used for WPS scans")
	flag.DurationVar(&cfg.TickRate, "tick-rate", 1*time.Second, "Main loop sample rate")
	flag.StringVar(&cfg.SettingsFile, "settings", "", "Optional YAML file with publish settings defaults")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	return cfg
}
