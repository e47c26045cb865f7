// rpctool sends one guest command to the host and prints the reply,
// the quickest way to poke at the command channel from a shell.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brodyxchen/guestrpc/backdoor"
	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/message"
	"github.com/brodyxchen/guestrpc/models"
	"github.com/brodyxchen/guestrpc/rpc"
	"github.com/brodyxchen/guestrpc/socket"
)

var (
	tcpAddr   string
	vsockCid  uint32
	vsockPort uint32
	logLevel  string
)

func buildTransport() (message.Transport, error) {
	if tcpAddr != "" {
		host, port, ok := strings.Cut(tcpAddr, ":")
		if !ok {
			return nil, errors.New("tcp address must be host:port")
		}
		var p uint32
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			return nil, err
		}
		return socket.NewTransport(&models.TcpAddr{IP: host, Port: p}), nil
	}
	if vsockPort != 0 {
		return socket.NewTransport(&models.VSockAddr{ContextId: vsockCid, Port: vsockPort}), nil
	}
	// no socket endpoint given, talk to the hypervisor directly
	return backdoor.NewTransport(nil), nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "rpctool <command> [args...]",
		Short: "Send a command to the host and print its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.SetLevel(logLevel); err != nil {
				return err
			}

			transport, err := buildTransport()
			if err != nil {
				return err
			}

			reply, err := rpc.SendOne(transport, "%s", strings.Join(args, " "))
			if err != nil {
				if errors.Is(err, errors.ErrRemoteFail) {
					fmt.Fprintf(os.Stderr, "host refused: %s\n", reply)
				}
				return err
			}

			fmt.Println(string(reply))
			return nil
		},
	}

	rootCmd.Flags().StringVar(&tcpAddr, "tcp", "", "send over tcp host:port instead of the hypercall primitive")
	rootCmd.Flags().Uint32Var(&vsockCid, "vsock-cid", 2, "vsock context id of the host")
	rootCmd.Flags().Uint32Var(&vsockPort, "vsock-port", 0, "send over vsock on this port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warning", "log level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
