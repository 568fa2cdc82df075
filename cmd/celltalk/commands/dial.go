package commands

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/glycerine/celltalk"
	"github.com/glycerine/celltalk/talk"
)

// printer shows what the server says.
type printer struct {
	talk.NopSpeakerDelegate
	got chan string
}

func (p *printer) Dialogue(sp *talk.Speaker, id string, payload []byte) {
	p.got <- fmt.Sprintf("%v> %s", id, payload)
}

func (p *printer) Failed(sp *talk.Speaker, st talk.Status, id string) {
	fmt.Printf("request for '%v' failed: %v\n", id, st)
}

// dial: handshake, request a cellet, say something, print
// the reply.
func dialCmd() *cobra.Command {
	var (
		addr     string
		tag      string
		id       string
		say      []string
		quick    bool
		secure   bool
		compress string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Call a Talk service and exchange dialogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tag == "" {
				tag = celltalk.NewTag()
			}
			p := &printer{got: make(chan string, 16)}
			sp := talk.NewSpeaker(cfg, tag, p)
			c := sp.Capacity()
			c.Secure = secure
			c.Compression = compress
			sp.SetCapacity(c)

			var err error
			if quick {
				err = sp.Quick(addr, id)
			} else {
				err = sp.Call(addr, id)
			}
			if err != nil {
				return err
			}
			defer sp.Hangup()
			fmt.Printf("connected to server tag '%v' as '%v' (%v)\n", sp.ServerTag(), tag, sp.Capacity())

			exchange := func(line string) error {
				if err := sp.Speak(id, []byte(line)); err != nil {
					return err
				}
				select {
				case reply := <-p.got:
					fmt.Println(reply)
				case <-time.After(wait):
					fmt.Printf("no reply to '%v' within %v\n", line, wait)
				}
				return nil
			}
			if len(say) > 0 {
				for _, line := range say {
					if err := exchange(line); err != nil {
						return err
					}
				}
				return nil
			}

			// no --say: read lines from stdin. Prompt only
			// when a person is typing.
			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			scan := bufio.NewScanner(os.Stdin)
			for {
				if interactive {
					fmt.Print("> ")
				}
				if !scan.Scan() {
					return scan.Err()
				}
				line := scan.Text()
				if line == "" {
					continue
				}
				if err := exchange(line); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7000", "server host:port")
	cmd.Flags().StringVar(&tag, "tag", "", "our tag (default random)")
	cmd.Flags().StringVar(&id, "id", "echo", "cellet identifier to request")
	cmd.Flags().StringArrayVar(&say, "say", nil, "dialogue to send; repeatable (default: read lines from stdin)")
	cmd.Flags().BoolVar(&quick, "quick", false, "use the one round trip QUICK handshake")
	cmd.Flags().BoolVar(&secure, "secure", false, "encrypt dialogue under the handshake key")
	cmd.Flags().StringVar(&compress, "compress", "", "compress dialogue: s2, lz4 or zstd")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for each reply")
	return cmd
}
