// Command demo is a terminal chat client of a minichat server.
//
//	demo --server http://127.0.0.1:8000 --conversation lobby
//
// Lines typed are sent as text. `/image <file>` uploads and sends an image,
// `/location` sends the configured position, `/quit` exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/cache"
	"github.com/mqy/minichat/chatsync"
	"github.com/mqy/minichat/connectivity"
	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/remotelog"
)

const shownMessages = 20

func main() {
	defer glog.Flush()
	if err := newCommand().Execute(); err != nil {
		glog.Errorf("error during command execution: %v", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Terminal client of a minichat conversation",
		Example: `
demo --server http://127.0.0.1:8000 --conversation lobby --user-name Ann
`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("server", "", "minichat server base url")
	flags.String("conversation", "", "conversation to join")
	flags.String("user-name", "", "display name")
	_ = v.BindPFlag("server", flags.Lookup("server"))
	_ = v.BindPFlag("conversation", flags.Lookup("conversation"))
	_ = v.BindPFlag("user.name", flags.Lookup("user-name"))

	// glog flags, e.g. --v=5 --logtostderr.
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

func run(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	// glog complains about logging before flag.Parse.
	_ = flag.CommandLine.Parse(nil)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UserID == "" {
		cfg.UserID = uuid.New()
	}
	author := message.Author{ID: cfg.UserID, DisplayName: cfg.UserName}

	kv, err := cache.OpenBolt(cfg.CachePath)
	if err != nil {
		return err
	}
	defer kv.Close()

	log := remotelog.NewClient(remotelog.Options{URL: cfg.WebsocketURL(), UserID: cfg.UserID})
	defer log.Close()

	signals := connectivity.NewSignal()
	defer signals.Close()
	prober := connectivity.NewProber(cfg.HealthURL(), cfg.ProbeInterval, signals)

	ctrl := chatsync.New(chatsync.Options{
		Conversation:    cfg.Conversation,
		Log:             log,
		Cache:           cache.NewSnapshotStore(kv, "conversation:"+cfg.Conversation),
		Uploader:        attachment.NewUploader(attachment.NewHTTPStorage(cfg.Server, nil)),
		Locator:         attachment.StaticLocator{Latitude: cfg.Latitude, Longitude: cfg.Longitude},
		LocationTimeout: cfg.LocationTimeout,
	})
	defer ctrl.Teardown()

	ctrl.OnUpdate(func(view chatsync.View) {
		render(out, cfg.Conversation, view)
	})
	ctrl.Start()

	go prober.Run(ctx)
	go ctrl.Run(ctx, signals.C())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, ctrl, author, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(out, "! %s\n", describe(err))
			}
			if quit {
				return nil
			}
		}
	}
}

type sender interface {
	Send(ctx context.Context, d *message.Draft) error
	SendLocation(ctx context.Context, author message.Author) error
}

func handleLine(ctx context.Context, s sender, author message.Author, line string) (bool, error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/location":
		return false, s.SendLocation(ctx, author)
	case strings.HasPrefix(line, "/image "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/image "))
		return false, s.Send(ctx, &message.Draft{Author: author, LocalImage: path})
	default:
		return false, s.Send(ctx, &message.Draft{Author: author, Text: line})
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, chatsync.ErrSendUnavailable):
		return "offline, showing cached messages; sending is disabled"
	case errors.Is(err, attachment.ErrUploadFailed):
		return "image upload failed, nothing was sent"
	case errors.Is(err, attachment.ErrTimedOut):
		return "could not get the current location in time"
	case errors.Is(err, message.ErrEmptyMessage):
		return "empty message"
	default:
		return err.Error()
	}
}

func render(out io.Writer, conversation string, view chatsync.View) {
	msgs := view.Messages
	if len(msgs) > shownMessages {
		msgs = msgs[:shownMessages]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n== %s [%s] ==\n", conversation, view.Mode)
	// newest first in the view, print oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		fmt.Fprintf(&b, "%s %s: %s", m.CreatedAt.Local().Format("15:04"), m.Author.DisplayName, m.Text)
		if m.Attachment.Kind() != message.KindNone {
			fmt.Fprintf(&b, " [%s]", m.Attachment)
		}
		b.WriteString("\n")
	}
	if !view.CanCompose() {
		b.WriteString("(read only)\n")
	}
	_, _ = io.WriteString(out, b.String())
}
