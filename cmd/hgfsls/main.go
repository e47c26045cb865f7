// hgfsls lists a directory of a shared folder through the host file
// service.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brodyxchen/guestrpc/backdoor"
	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/hgfs"
	"github.com/brodyxchen/guestrpc/kreq"
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
	timeout   time.Duration
	volume    bool
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
	return backdoor.NewTransport(nil), nil
}

func typeChar(t hgfs.FileType) byte {
	switch t {
	case hgfs.TypeDirectory:
		return 'd'
	case hgfs.TypeSymlink:
		return 'l'
	}
	return '-'
}

func run(dir string) error {
	transport, err := buildTransport()
	if err != nil {
		return err
	}

	out := rpc.NewOut(transport)
	if err := out.Start(); err != nil {
		return err
	}
	defer func() {
		_ = out.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dispatcher := hgfs.NewDispatcher(out)
	if !dispatcher.Enabled(ctx) {
		return errors.ErrUnsupportedHost
	}

	client := hgfs.NewClient(kreq.NewPool(0, dispatcher, nil))

	if volume {
		free, total, err := client.QueryVolume(ctx, dir)
		if err != nil {
			return err
		}
		fmt.Printf("%v bytes free of %v\n", free, total)
		return nil
	}

	entries, err := client.ReadDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Printf("%c %12d  %s\n", typeChar(entry.Attr.Type), entry.Attr.Size, entry.Name)
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "hgfsls [dir]",
		Short: "List a shared-folder directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.SetLevel(logLevel); err != nil {
				return err
			}
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			return run(dir)
		},
	}

	rootCmd.Flags().StringVar(&tcpAddr, "tcp", "", "connect over tcp host:port instead of the hypercall primitive")
	rootCmd.Flags().Uint32Var(&vsockCid, "vsock-cid", 2, "vsock context id of the host")
	rootCmd.Flags().Uint32Var(&vsockPort, "vsock-port", 0, "connect over vsock on this port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warning", "log level")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	rootCmd.Flags().BoolVar(&volume, "volume", false, "print volume capacity instead of entries")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
