package ridecore

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ridelink/ridecore/mqttlink"
	"github.com/ridelink/ridecore/serialink"
)

type Config struct {
	Serial serialink.Config `toml:"serial"`
	GPS    GPSConfig        `toml:"gps"`
	MQTT   mqttlink.Config  `toml:"mqtt"`
}

type GPSConfig struct {
	MinIntervalMS int `toml:"min_interval_ms"`
}

func (g GPSConfig) MinInterval() time.Duration {
	return time.Duration(g.MinIntervalMS) * time.Millisecond
}

// LoadConfig reads a TOML config file located next to the binary.
func LoadConfig(fileName string) (Config, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return Config{}, errors.Wrap(err, "unable to determine binary location")
	}
	file, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return Config{}, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

func LoadConfigFromReader(configReader io.Reader) (Config, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return Config{}, errors.Wrap(err, "unable to read config reader")
	}
	config := Config{}
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return Config{}, errors.Wrap(err, "unable to load configuration")
	}
	return config, nil
}
