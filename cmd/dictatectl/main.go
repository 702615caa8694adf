package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

var (
	badgeStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4444"))
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	busURL := cmd.String("bus", nats.DefaultURL, "NATS URL of the dictation daemon")
	timeout := cmd.Duration("timeout", 20*time.Second, "Request timeout")

	switch os.Args[1] {
	case "toggle", "start", "stop", "status", "watch":
		_ = cmd.Parse(os.Args[2:])
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Dial(ctx, *busURL, "dictatectl", logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("cannot reach daemon: "+err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	if os.Args[1] == "watch" {
		if err := watch(ctx, client, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
			os.Exit(1)
		}
		return
	}

	action := map[string]string{
		"toggle": protocol.ActionToggle,
		"start":  protocol.ActionStart,
		"stop":   protocol.ActionStop,
		"status": protocol.ActionGetStatus,
	}[os.Args[1]]

	reqCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	var resp protocol.ControlResponse
	if err := client.RequestJSON(reqCtx, protocol.SubjectControl, protocol.ControlRequest{Action: action}, &resp); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
	fmt.Println(renderResponse(resp))
	if resp.Error != "" {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dictatectl toggle|start|stop|status|watch|version [-bus url] [-timeout d]")
}

// watch prints every status snapshot the daemon publishes until ctx ends.
func watch(ctx context.Context, client *bus.Client, w io.Writer) error {
	msgs := make(chan *nats.Msg, 16)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectStatus, msgs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			var snap protocol.StatusSnapshot
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				continue
			}
			fmt.Fprintln(w, renderSnapshot(snap))
		}
	}
}

func renderResponse(resp protocol.ControlResponse) string {
	if resp.Error != "" {
		return errStyle.Render("error: " + resp.Error)
	}
	out := "ok"
	if resp.Recording != nil {
		if *resp.Recording {
			out += " recording"
		} else {
			out += " not recording"
		}
	}
	if resp.State != "" {
		out += dimStyle.Render(" (" + resp.State + ")")
	}
	return out
}

func renderSnapshot(snap protocol.StatusSnapshot) string {
	badge := badgeStyle.Background(lipgloss.Color(snap.BadgeColor)).Render(orDash(snap.BadgeText))
	line := fmt.Sprintf("%s %s %s", dimStyle.Render(snap.Timestamp.Local().Format("15:04:05")), badge, snap.State)
	if snap.Message != "" {
		line += " " + errStyle.Render(snap.Message)
	}
	return line
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
