// Command librelay is the reference CLI around the outgoing and incoming
// pipelines: key generation, provisioning, sending, listening, an
// interactive chat UI, and a local message-service double for manual
// testing.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger = logrus.New()

func main() {
	root := &cobra.Command{
		Use:   "librelay",
		Short: "Forsta/Signal-derived end-to-end encrypted messaging client core",
	}

	root.AddCommand(
		newGenKeysCommand(),
		newProvisionCommand(),
		newSendCommand(),
		newListenCommand(),
		newChatCommand(),
		newServeCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
