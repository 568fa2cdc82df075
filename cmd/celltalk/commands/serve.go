package commands

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/glycerine/ipaddr"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/glycerine/celltalk/talk"
)

// serve: run a talk Service with an echo cellet until ^C.
func serveCmd() *cobra.Command {
	var (
		addr     string
		freePort bool
		service  string
		tag      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a Talk service with an echo cellet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if freePort {
				host, _, err := net.SplitHostPort(cfg.BindAddr)
				if addr != "" {
					host, _, err = net.SplitHostPort(addr)
				}
				if err != nil {
					return err
				}
				addr = net.JoinHostPort(host, strconv.Itoa(ipaddr.GetAvailPort()))
			}

			svc := talk.NewService(cfg)
			if tag != "" {
				if err := svc.SetTag(tag); err != nil {
					return err
				}
			}
			svc.AddCellet(&talk.EchoCellet{Name: service})
			bound, err := svc.Start(addr)
			if err != nil {
				return err
			}
			defer svc.Stop()

			_, port, _ := net.SplitHostPort(bound.String())
			fmt.Printf("celltalk serving '%v' on %v as tag '%v'\n", service, bound, svc.Tag())
			fmt.Printf("try: celltalk dial --addr %v --id %v --say hello\n",
				net.JoinHostPort(ipaddr.GetExternalIP(), port), service)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			report := struct {
				Tags     []string      `json:"tags"`
				Counters talk.Counters `json:"handshakes"`
				Stats    any           `json:"stats"`
			}{
				Tags:     svc.Tags(),
				Counters: svc.Counters(),
				Stats:    svc.Acceptor().Stats(),
			}
			by, err := json.MarshalIndent(&report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("\n%s\n", by)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "host:port to listen on (default from config)")
	cmd.Flags().BoolVar(&freePort, "free-port", false, "pick an unused port")
	cmd.Flags().StringVar(&service, "service", "echo", "identifier of the echo cellet")
	cmd.Flags().StringVar(&tag, "tag", "", "our tag (default random)")
	return cmd
}
