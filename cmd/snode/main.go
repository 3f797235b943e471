// Command snode runs a single node that opens or accepts a secure channel
// over TCP or QUIC.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "configuration file (yaml or json)",
		EnvVars: []string{"SNODE_CONFIG"},
	}
	roleFlag = &cli.StringFlag{
		Name:  "role",
		Usage: "channel role: initiator or responder",
	}
	tcpListenFlag = &cli.StringFlag{
		Name:  "tcp-listen",
		Usage: "TCP endpoint to accept peers on",
	}
	tcpConnectFlag = &cli.StringFlag{
		Name:  "tcp-connect",
		Usage: "TCP endpoint of the responder",
	}
	quicListenFlag = &cli.StringFlag{
		Name:  "quic-listen",
		Usage: "UDP endpoint to accept QUIC peers on",
	}
	quicConnectFlag = &cli.StringFlag{
		Name:  "quic-connect",
		Usage: "UDP endpoint of a QUIC responder",
	}
	messageFlag = &cli.StringFlag{
		Name:  "message",
		Usage: "message the initiator sends once the channel is up",
	}
	identityFlag = &cli.StringFlag{
		Name:  "identity",
		Usage: "file holding the hex static private key, created when missing",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "trace, debug, info, warn, error or fatal",
	}
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "write the hex private key to this file",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "snode",
		Usage: "message routing node with end-to-end encrypted channels",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run a node until the channel exchange completes or a signal arrives",
				Flags: []cli.Flag{
					roleFlag,
					tcpListenFlag,
					tcpConnectFlag,
					quicListenFlag,
					quicConnectFlag,
					messageFlag,
					identityFlag,
					logLevelFlag,
				},
				Action: runNode,
			},
			{
				Name:   "keygen",
				Usage:  "generate a static X25519 key and print its public half",
				Flags:  []cli.Flag{outFlag},
				Action: keygen,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
