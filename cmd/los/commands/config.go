package commands

import (
	"github.com/unauthority/los/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	LOS config.Config `mapstructure:",squash"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		LOS: *config.NewDefaultConfig(),
	}
}
