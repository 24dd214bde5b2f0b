// Package config locates the scanner's configuration file on disk. The
// typed settings themselves live in internal/config; this package only
// answers "which file should Load read".
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Locate resolves the configuration file path. An explicit path wins
// unchanged. Otherwise the standard locations are searched for
// warcscan.yaml: the working directory, /etc/warcscan/, and
// $HOME/.warcscan/. An empty result means no file was found and the
// defaults plus environment apply.
func Locate(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	v := viper.New()
	v.SetConfigName("warcscan")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/warcscan/")
	v.AddConfigPath("$HOME/.warcscan")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}
