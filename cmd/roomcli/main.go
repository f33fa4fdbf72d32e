// Command roomcli runs one discussion room against the local microphone.
// Build with -tags portaudio for real capture.
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
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/discussroom/internal/app"
	"github.com/ent0n29/discussroom/internal/audio"
	"github.com/ent0n29/discussroom/internal/config"
	"github.com/ent0n29/discussroom/internal/conversation"
	"github.com/ent0n29/discussroom/internal/rooms"
)

func main() {
	topic := flag.String("topic", "Public speaking", "room topic")
	mode := flag.String("coaching-option", "Lecture on Topic", "room coaching option")
	expert := flag.String("expert-name", "Joanna", "coach name")
	flag.Parse()

	if err := run(*topic, *mode, *expert); err != nil {
		fmt.Fprintf(os.Stderr, "roomcli: %v\n", err)
		os.Exit(1)
	}
}

func run(topic, mode, expert string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg, os.Stderr).Level(zerolog.WarnLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, app.Options{Logger: logger, Registerer: prometheus.NewRegistry()})
	if err != nil {
		return err
	}
	defer built.Cleanup()

	room, err := built.Store.CreateRoom(ctx, rooms.Room{Topic: topic, CoachingOption: mode, ExpertName: expert})
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	conv, err := conversation.NewSession(app.ConversationConfig(cfg, uuid.NewString(), room), conversation.Dependencies{
		Device:      audio.DefaultDevice(),
		Tokens:      built.Tokens,
		Dialer:      built.Dialer,
		Completion:  built.Completion,
		Transcripts: built.Transcripts,
		Metrics:     built.Metrics,
		Logger:      logger,
		Observer:    out.update,
	})
	if err != nil {
		return err
	}
	defer conv.Close()

	fmt.Printf("room %s with %s (%s, %s). transcription=%s completion=%s\n",
		room.Topic, room.ExpertName, room.CoachingOption, room.ID,
		built.Providers.TranscriptionDetail, built.Providers.Completion)
	fmt.Println("commands: c=connect p=pause r=resume d=disconnect q=quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return disconnect(conv)
		case <-conv.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return disconnect(conv)
			}
			if err := command(ctx, conv, line); err != nil {
				if errors.Is(err, errQuit) {
					return disconnect(conv)
				}
				fmt.Fprintf(os.Stderr, "roomcli: %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func command(ctx context.Context, conv *conversation.Session, line string) error {
	switch line {
	case "c", "connect":
		go func() {
			// Failures arrive through the observer as error updates.
			_ = conv.Connect(ctx)
		}()
		return nil
	case "p", "pause":
		return conv.Pause(ctx)
	case "r", "resume":
		return conv.Resume(ctx)
	case "d", "disconnect":
		return disconnect(conv)
	case "q", "quit", "exit":
		return errQuit
	case "":
		return nil
	default:
		return fmt.Errorf("unknown command %q", line)
	}
}

func disconnect(conv *conversation.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := conv.Disconnect(ctx)
	if errors.Is(err, conversation.ErrSessionClosed) {
		return nil
	}
	return err
}

// printer renders session updates as terminal lines. It runs on the session
// goroutine.
type printer struct {
	w        io.Writer
	revealed map[int]int
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, revealed: make(map[int]int)}
}

func (p *printer) update(u conversation.Update) {
	switch u.Kind {
	case conversation.UpdateStatus:
		fmt.Fprintf(p.w, "[%s]\n", u.Status)
	case conversation.UpdatePartial:
		if u.Partial != "" {
			fmt.Fprintf(p.w, "  ... %s\n", u.Partial)
		}
	case conversation.UpdateEntry:
		// Assistant entries grow word by word; print only the new tail.
		prev := p.revealed[u.Index]
		if prev == 0 {
			fmt.Fprintf(p.w, "%s: ", u.Entry.Role)
		}
		if len(u.Entry.Content) > prev {
			fmt.Fprint(p.w, u.Entry.Content[prev:])
			p.revealed[u.Index] = len(u.Entry.Content)
		}
		if u.Entry.Final {
			fmt.Fprintln(p.w)
		}
	case conversation.UpdateError:
		if u.Err != nil {
			fmt.Fprintf(p.w, "! %v\n", u.Err)
		}
	}
}
