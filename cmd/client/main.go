package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/rosterpulse/internal/bus"
	"github.com/Tyrowin/rosterpulse/internal/client"
	"github.com/Tyrowin/rosterpulse/internal/logging"
	"github.com/Tyrowin/rosterpulse/internal/server"
	"github.com/Tyrowin/rosterpulse/internal/student"
	"github.com/Tyrowin/rosterpulse/internal/ui"
)

func main() {
	var logLevel string

	var rootCmd = &cobra.Command{
		Use:          "rosterpulse",
		Short:        "Client tools for the rosterpulse notification channel",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := logging.Setup(logging.Options{Level: logLevel})
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "trace, debug, info, warn or error")

	rootCmd.AddCommand(newWatchCmd(), newSmokeStudentCmd(), newEmitCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newWatchCmd() *cobra.Command {
	var baseURL, path, origin string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the channel and show whether the connection is live",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := client.Config{BaseURL: baseURL, Path: path}
			if origin != "" {
				cfg.Header = http.Header{"Origin": []string{origin}}
			}
			return ui.Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&baseURL, "url", "u", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&path, "path", server.DefaultPath, "channel path")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header for the upgrade request")
	return cmd
}

func newSmokeStudentCmd() *cobra.Command {
	var endpoint string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "smoke-student",
		Short: "POST the sample student record and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := student.Submit(ctx, &http.Client{Timeout: timeout}, endpoint, student.SampleRecord())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %d\n", res.StatusCode)
			var pretty any
			if res.JSON(&pretty) == nil {
				b, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Fprintf(out, "Response: %s\n", b)
			} else {
				fmt.Fprintf(out, "Response: %s\n", res.Body)
			}
			if !res.OK() {
				return errors.Errorf("endpoint answered %d", res.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:3000/api/students", "student REST endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func newEmitCmd() *cobra.Command {
	cfg := bus.DefaultConfig()
	cfg.Driver = bus.DriverRedis
	var room, event, data string

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish a notification to a room through the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return errors.Errorf("--data is not valid JSON: %s", data)
			}

			b, err := bus.New(cmd.Context(), cfg, logging.NewWatermill(log.Logger))
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Publish(cmd.Context(), bus.Notification{
				Room:  room,
				Event: event,
				Data:  json.RawMessage(data),
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", event, room)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "Redis address")
	cmd.Flags().StringVar(&cfg.Topic, "topic", cfg.Topic, "stream the server consumes")
	cmd.Flags().StringVar(&room, "room", server.DefaultRoom, "target room")
	cmd.Flags().StringVar(&event, "event", "", "event name")
	cmd.Flags().StringVar(&data, "data", "null", "JSON payload")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
