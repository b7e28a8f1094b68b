package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/client"
	"github.com/MarcoPoloResearchLab/callroom/internal/logging"
	"github.com/MarcoPoloResearchLab/callroom/internal/media"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/timeline"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	url         string
	token       string
	callID      string
	inviteToken string
	iceURLs     []string
	media       bool
	videoFile   string
	audioFile   string
	logLevel    string
}

func main() {
	opts := options{}
	rootCmd := &cobra.Command{
		Use:   "callroom-client",
		Short: "Join a call from the terminal: prints the timeline, sends stdin lines as chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "Transport endpoint")
	flags.StringVar(&opts.token, "token", os.Getenv("CALLROOM_TOKEN"), "Bearer token")
	flags.StringVar(&opts.callID, "call", "", "Call id or join-link slug")
	flags.StringVar(&opts.inviteToken, "invite", "", "Secure access token from an invitation link")
	flags.StringSliceVar(&opts.iceURLs, "ice-url", []string{"stun:stun.l.google.com:19302"}, "ICE server URL (repeatable)")
	flags.BoolVar(&opts.media, "media", false, "Negotiate media with the other participants")
	flags.StringVar(&opts.videoFile, "video-file", "", "IVF file looped as the camera when media is on")
	flags.StringVar(&opts.audioFile, "audio-file", "", "Ogg Opus file looped as the microphone when media is on")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("call")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	logger, err := logging.NewLogger(opts.logLevel, logging.FormatDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := client.Config{
		URL:         opts.url,
		BearerToken: opts.token,
		CallID:      opts.callID,
		Logger:      logger,
		OnMediaChange: func(remote string, state media.State, err error) {
			if err != nil {
				fmt.Fprintf(out, "* media with %s: %s (%v)\n", remote, state, err)
				return
			}
			fmt.Fprintf(out, "* media with %s: %s\n", remote, state)
		},
	}
	if opts.media {
		factory, err := media.NewPionFactory(media.PionConfig{
			ICEURLs: opts.iceURLs,
			OnTrack: func(remote string, track *webrtc.TrackRemote) {
				logger.Info("remote track", zap.String("remote", remote), zap.String("kind", track.Kind().String()))
			},
		})
		if err != nil {
			return err
		}
		cfg.NewPeer = factory
		if opts.videoFile != "" || opts.audioFile != "" {
			cfg.Devices = media.FileDevices{VideoPath: opts.videoFile, AudioPath: opts.audioFile, Logger: logger}
		}
	}

	session, err := client.Dial(signalCtx, cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	joined, err := session.Join(signalCtx, opts.inviteToken)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "* joined %s (%s) as %s\n", joined.Call.ID, joined.Call.Status, joined.Self)
	for _, line := range session.Timeline().Lines() {
		fmt.Fprintln(out, line.Text)
	}
	if err := session.AcquireDevices(signalCtx); err != nil {
		fmt.Fprintf(out, "! devices unavailable: %v\n", err)
	}

	go printEvents(session, out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-signalCtx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return session.Leave()
			}
			done, err := command(signalCtx, session, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(out, "* %v\n", err)
			}
			if done {
				return session.Leave()
			}
		}
	}
}

// command runs one stdin line. Lines starting with "/" are commands; anything
// else is chat to everyone.
func command(ctx context.Context, session *client.Session, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := session.SendChat(line, calls.Everyone())
		return false, err
	}
	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/leave", "/quit":
		return true, nil
	case "/start":
		_, err = session.StartCall(ctx)
	case "/end":
		level := calls.EngagementLevel("")
		if len(fields) > 1 {
			level = calls.EngagementLevel(strings.ToUpper(fields[1]))
		}
		_, err = session.EndCall(level, strings.Join(fields[min(2, len(fields)):], " "))
	case "/cancel":
		_, err = session.CancelCall()
	case "/lead":
		_, err = session.UpdateLeadStatus(strings.Join(fields[1:], " "))
	case "/share":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /share <type> <url> [title]")
		}
		_, err = session.ShareResource(fields[1], fields[2], strings.Join(fields[3:], " "))
	case "/to":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /to <user> <message>")
		}
		_, err = session.SendChat(strings.Join(fields[2:], " "), calls.RecipientScope{Kind: calls.ScopeParticipant, UserID: fields[1]})
	case "/mute", "/unmute":
		_, err = session.SetMicMuted(fields[0] == "/mute")
	case "/camera":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /camera <user> on|off")
		}
		_, err = session.ToggleCamera(fields[1], fields[2] == "on")
	case "/retry":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /retry <user>")
		}
		err = session.RetryMedia(fields[1])
	default:
		err = fmt.Errorf("unknown command %s", fields[0])
	}
	return false, err
}

func printEvents(session *client.Session, out io.Writer) {
	for frame := range session.Events() {
		switch message := frame.Message.(type) {
		case protocol.EventMessage:
			fmt.Fprintln(out, timeline.Render(message.Event).Text)
		case protocol.Participants:
			names := make([]string, 0, len(message.Participants))
			for _, participant := range message.Participants {
				names = append(names, participant.UserID)
			}
			fmt.Fprintf(out, "* present: %s\n", strings.Join(names, ", "))
		case protocol.CallEnded:
			fmt.Fprintf(out, "* call %s, engagement %s\n", strings.ToLower(string(message.Call.Status)), message.Insights.EngagementLevel)
		case protocol.Error:
			fmt.Fprintf(out, "* %s: %s\n", message.Code, message.Message)
		}
	}
}
