package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	chatsession "github.com/NeboLoop/chatsession-go-sdk"
	"github.com/NeboLoop/chatsession-go-sdk/config"
	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/metrics"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// --- Global Command Variables ---
var (
	configPath       string
	logLevel         string
	participantToken string
	contactID        string
	initialContactID string
	participantID    string
	sessionType      string
	outputFormat     string
	metricsAddr      string
	watchFlags       bool

	message     string
	contentType string
	maxResults  int
	scanForward bool

	cfg        *config.Config
	logger     logging.Logger
	syncLogger func() error

	rootCmd = &cobra.Command{
		Use:           "chatsession",
		Short:         "Connect to a contact center chat as a participant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				c.Logging.Level = logLevel
			}
			l, sync, err := logging.NewZap(logging.Config{
				Level:  c.Logging.Level,
				Format: c.Logging.Format,
				File:   c.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			cfg, logger, syncLogger = c, l, sync
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if syncLogger != nil {
				_ = syncLogger()
			}
		},
	}

	connectCmd = &cobra.Command{
		Use:   "connect",
		Short: "Connect and print chat events until interrupted",
		RunE:  runConnect,
	}

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Connect, send one message and disconnect the transport",
		RunE:  runSend,
	}

	transcriptCmd = &cobra.Command{
		Use:   "transcript",
		Short: "Connect, load one page of history and print the transcript",
		RunE:  runTranscript,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file (env CHATSESSION_* overrides)")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level")
	pf.StringVar(&participantToken, "participant-token", os.Getenv("CHATSESSION_PARTICIPANT_TOKEN"), "participant token")
	pf.StringVar(&contactID, "contact-id", "", "contact id")
	pf.StringVar(&initialContactID, "initial-contact-id", "", "initial contact id")
	pf.StringVar(&participantID, "participant-id", "", "participant id")
	pf.StringVar(&sessionType, "type", string(chatsession.SessionCustomer), "session type: AGENT or CUSTOMER")
	pf.StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")

	connectCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	connectCmd.Flags().BoolVar(&watchFlags, "watch", false, "reload feature flags when the config file changes")

	sendCmd.Flags().StringVarP(&message, "message", "m", "", "message text")
	sendCmd.Flags().StringVar(&contentType, "content-type", wire.ContentTypeTextPlain, "message content type")
	_ = sendCmd.MarkFlagRequired("message")

	transcriptCmd.Flags().IntVar(&maxResults, "max-results", 15, "page size")
	transcriptCmd.Flags().BoolVar(&scanForward, "forward", false, "scan forward instead of backward")

	rootCmd.AddCommand(connectCmd, sendCmd, transcriptCmd)
}

func newSession() (*chatsession.Session, error) {
	return chatsession.NewSession(chatsession.Options{
		Type:             chatsession.SessionType(sessionType),
		ContactID:        contactID,
		InitialContactID: initialContactID,
		ParticipantID:    participantID,
		ParticipantToken: participantToken,
		Config:           cfg,
		Logger:           logger,
	})
}

// connectSession creates a session and connects it, honouring ctx.
func connectSession(ctx context.Context) (*chatsession.Session, error) {
	s, err := newSession()
	if err != nil {
		return nil, err
	}
	if _, err := s.Connect(ctx, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}
	if watchFlags && configPath != "" {
		stopWatch, err := config.Watch(configPath, cfg.Flags())
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer stopWatch()
	}

	s, err := newSession()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	broken := make(chan struct{}, 1)
	s.SubscribeAll(func(name string, e chatsession.Event) {
		if err := printValue(out, map[string]any{"event": name, "data": e.Data}); err != nil {
			logger.Warn("print event", "error", err)
		}
		if name == chatsession.EventConnectionBroken {
			select {
			case broken <- struct{}{}:
			default:
			}
		}
	})

	if _, err := s.Connect(ctx, nil); err != nil {
		return err
	}
	defer s.Close()

	select {
	case <-ctx.Done():
	case <-broken:
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
	defer cancel()

	s, err := connectSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.SendMessage(ctx, chatsession.SendMessageArgs{Message: message, ContentType: contentType})
	if err != nil {
		return err
	}
	return printValue(cmd.OutOrStdout(), res.Data)
}

func runTranscript(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
	defer cancel()

	s, err := connectSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	scan := wire.ScanBackward
	if scanForward {
		scan = wire.ScanForward
	}
	if _, err := s.GetTranscript(ctx, chatsession.GetTranscriptArgs{MaxResults: maxResults, ScanDirection: scan}); err != nil {
		return err
	}
	items, next := s.TranscriptData()
	return printValue(cmd.OutOrStdout(), map[string]any{"transcript": items, "nextToken": next})
}

// printValue writes v in the selected output format. YAML output goes
// through JSON first so the wire field names are kept.
func printValue(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch outputFormat {
	case "json":
		_, err = fmt.Fprintln(w, string(raw))
		return err
	case "yaml":
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
