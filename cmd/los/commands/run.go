package commands

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/unauthority/los/src/checkpoint"
	"github.com/unauthority/los/src/crypto/keys"
	"github.com/unauthority/los/src/node"
	"github.com/unauthority/los/src/service"
)

const (
	// validatorsFile lists the addresses of the genesis validator set.
	validatorsFile = "validators.json"

	// secretFile holds the shared secret keying consensus message
	// authentication. It is distributed out-of-band.
	secretFile = "mac_secret"
)

//NewRunCmd returns the command that starts a LOS node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runLos,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runLos(cmd *cobra.Command, args []string) error {
	logger := _config.LOS.Logger()

	addLogFileHooks(logger.Logger)

	simpleKeyfile := keys.NewSimpleKeyfile(_config.LOS.Keyfile())

	key, err := simpleKeyfile.ReadKey()
	if err != nil {
		logger.Error("Cannot read private key:", err)
		return err
	}

	_config.LOS.Key = key

	validator := node.NewValidator(key, _config.LOS.Moniker)

	validators, err := readValidators(_config.LOS.DataDir, validator.Address())
	if err != nil {
		logger.Error("Cannot read validator set:", err)
		return err
	}

	secret, err := readSecret(_config.LOS.DataDir)
	if err != nil {
		logger.Error("Cannot read MAC secret:", err)
		return err
	}

	checkpoints, err := checkpoint.NewManager(_config.LOS.DatabaseDir, logger)
	if err != nil {
		logger.Error("Cannot open checkpoint store:", err)
		return err
	}

	losNode := node.NewNode(&_config.LOS, validator, checkpoints, secret)

	if err := losNode.Init(validators); err != nil {
		logger.Error("Cannot initialize node:", err)
		return err
	}

	if !_config.LOS.NoService {
		serviceServer := service.NewService(_config.LOS.ServiceAddr, losNode, logger)
		go serviceServer.Serve()
	}

	losNode.Run()

	return nil
}

//readValidators loads the validator set from validators.json in the datadir.
//When the file does not exist, the set defaults to this validator alone,
//which is only useful for solo development chains.
func readValidators(dataDir, selfAddress string) ([]string, error) {
	raw, err := ioutil.ReadFile(filepath.Join(dataDir, validatorsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{selfAddress}, nil
		}
		return nil, err
	}

	var validators []string
	if err := json.Unmarshal(raw, &validators); err != nil {
		return nil, err
	}

	if len(validators) == 0 {
		return nil, fmt.Errorf("%s defines an empty validator set", validatorsFile)
	}

	return validators, nil
}

//readSecret loads the shared message-authentication secret from the datadir.
func readSecret(dataDir string) ([]byte, error) {
	raw, err := ioutil.ReadFile(filepath.Join(dataDir, secretFile))
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(raw))), nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.LOS.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LOS.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.LOS.Moniker, "Optional name")

	// Service
	cmd.Flags().Bool("no-service", _config.LOS.NoService, "Disable the HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.LOS.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().String("db", _config.LOS.DatabaseDir, "Dabatabase directory")

	// Consensus configuration
	cmd.Flags().Duration("block-timeout", _config.LOS.BlockTimeout, "Max time to finalize a block before a view change")
	cmd.Flags().Duration("view-change-timeout", _config.LOS.ViewChangeTimeout, "Max time to complete a view change")
	cmd.Flags().Int("validators", _config.LOS.TotalValidators, "Assumed validator-set size before the first update")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.LOS.SetDataDir(_config.LOS.DataDir)

	logFields := logrus.Fields{
		"los.DataDir":           _config.LOS.DataDir,
		"los.ServiceAddr":       _config.LOS.ServiceAddr,
		"los.NoService":         _config.LOS.NoService,
		"los.LogLevel":          _config.LOS.LogLevel,
		"los.Moniker":           _config.LOS.Moniker,
		"los.DatabaseDir":       _config.LOS.DatabaseDir,
		"los.BlockTimeout":      _config.LOS.BlockTimeout,
		"los.ViewChangeTimeout": _config.LOS.ViewChangeTimeout,
		"los.TotalValidators":   _config.LOS.TotalValidators,
	}

	_config.LOS.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/los.toml (.json, .yaml also work)
	viper.SetConfigName("los")               // name of config file (without extension)
	viper.AddConfigPath(_config.LOS.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.LOS.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.LOS.Logger().Debugf("No config file found in: %s", _config.LOS.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
