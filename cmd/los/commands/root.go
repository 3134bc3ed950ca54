package commands

import (
	"os"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for LOS
var RootCmd = &cobra.Command{
	Use:              "los",
	Short:            "los consensus",
	TraverseChildren: true,
}

//addLogFileHooks routes info and debug output to log files in addition to
//stderr, when the files can be opened.
func addLogFileHooks(logger *logrus.Logger) {
	pathMap := lfshook.PathMap{}

	_, err := os.OpenFile("los_info.log", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		logger.Info("Failed to open los_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = "los_info.log"
	}

	_, err = os.OpenFile("los_debug.log", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		logger.Info("Failed to open los_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = "los_debug.log"
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}
