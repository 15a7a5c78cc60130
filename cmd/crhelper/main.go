// Command crhelper unsticks CloudFormation stacks whose custom resources
// never answered.
//
// Usage:
//
//	crhelper respond --event event.json --status FAILED --reason "gave up"
//	crhelper cleanup --event poll-event.json
//	crhelper version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.smartmachine.io/crhelper/pkg/logging"
	"go.uber.org/zap"
)

type globalOptions struct {
	logLevel string
}

func (o *globalOptions) logger() *zap.SugaredLogger {
	return logging.New(logging.Options{Level: o.logLevel})
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "crhelper",
		Short: "Operate on CloudFormation custom resource requests",
		Long: `crhelper works with saved custom resource request events.

Copy the event from the function's logs into a file (JSON or YAML), then
answer it by hand or clean up the poll schedule it left behind:

    crhelper respond --event event.json --status SUCCESS --physical-id my-id
    crhelper cleanup --event poll-event.json`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "ERROR", "log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(
		newRespondCmd(opts),
		newCleanupCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
