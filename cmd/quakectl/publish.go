package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/quakewatch/internal/bus"
	"github.com/darkden-lab/quakewatch/internal/catalog"
	"github.com/darkden-lab/quakewatch/internal/config"
	"github.com/darkden-lab/quakewatch/internal/logger"
	"github.com/darkden-lab/quakewatch/internal/publisher"
	"github.com/darkden-lab/quakewatch/internal/quake"
)

func newPublishCmd() *cobra.Command {
	var (
		message string
		viaAPI  bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one quake (-m JSON) or the built-in dataset",
		Long: `publish sends quake events to the fanout exchange. With -m the JSON object is
published as a single event; without it every quake of the built-in dataset is
published in order. Events without "time" are stamped with the current time.

By default quakectl connects to the bus itself using the same environment as
the services (BUS_BACKEND, AMQP_HOST, ...). With --api the request goes through
the API's publish trigger instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if viaAPI {
				return publishViaAPI(cmd, message)
			}
			return publishViaBus(cmd, message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "quake event as a JSON object")
	cmd.Flags().BoolVar(&viaAPI, "api", false, "publish through the API instead of the bus")
	return cmd
}

func publishViaBus(cmd *cobra.Command, message string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	dial, err := bus.NewDialer(cfg.Bus())
	if err != nil {
		return err
	}
	conn, err := bus.Connect(ctx, dial, cfg.RetryPolicy())
	if err != nil {
		return err
	}
	defer conn.Close()

	p := publisher.New(conn, nil, nil)
	out := cmd.OutOrStdout()

	if message != "" {
		e, err := quake.Decode([]byte(message))
		if err != nil {
			return fmt.Errorf("invalid message: %w", err)
		}
		published, err := p.Publish(ctx, e)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "[x] published %s\n", published.ID)
		return nil
	}

	events, err := catalog.Dataset()
	if err != nil {
		return err
	}
	ids, err := p.PublishAll(ctx, events)
	for _, id := range ids {
		fmt.Fprintf(out, "[x] published %s\n", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d quakes published\n", len(ids))
	return nil
}

func publishViaAPI(cmd *cobra.Command, message string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/quakes/publish", strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("publish rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", bytes.TrimSpace(body))
	return nil
}
