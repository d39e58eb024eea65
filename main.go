// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/beamapp/callkit/internal/call"
	"github.com/beamapp/callkit/internal/config"
	"github.com/beamapp/callkit/internal/media"
	"github.com/beamapp/callkit/internal/outbox"
	sig "github.com/beamapp/callkit/internal/signal"
	"github.com/beamapp/callkit/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}
	if *showHelp || flag.NArg() < 1 {
		showUsage()
		return
	}

	peerDir, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("MAIN: %v", err)
	}
	if err := run(peerDir); err != nil {
		log.Fatalf("MAIN: %v", err)
	}
}

func run(peerDir string) error {
	cfgPath := config.Path(peerDir)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := outbox.Open(util.ResolvePath(peerDir, cfg.Outbox.DBPath), cfg.Outbox.MaxRetries)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer queue.Close()

	client := sig.NewClient(cfg.Signal, cfg.Identity.UserID)
	defer client.Close()
	go client.Run(ctx)

	flusher := outbox.NewFlusher(queue, func(ctx context.Context, msg outbox.Message) error {
		return client.Send(sig.EventMessageSend, sig.MessagePayload{
			TempID:         msg.TempID,
			ConversationID: msg.ConversationID,
			Content:        msg.Content,
		})
	})
	client.OnStateChange(func(connected bool) {
		if !connected {
			return
		}
		go func() {
			if n, err := flusher.Flush(ctx); err != nil {
				log.Printf("MAIN: outbox flush: %v", err)
			} else if n > 0 {
				log.Printf("MAIN: delivered %d queued message(s)", n)
			}
		}()
	})

	mgr, err := media.NewManager(cfg.Media)
	if err != nil {
		return fmt.Errorf("media manager: %w", err)
	}
	defer mgr.Cleanup()

	self := sig.Identity{
		ID:          cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		AvatarURL:   cfg.Identity.AvatarURL,
	}
	engine := call.NewEngine(self, client, mgr, consoleTones{}, call.Options{
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	go engine.Run(ctx)

	watcher, err := config.Watch(cfgPath, func(next config.Config) {
		log.Printf("CONFIG: reloaded %s", cfgPath)
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	go watchEngine(ctx, engine)

	log.Printf("MAIN: callkit ready as %s (peer dir %s)", cfg.Identity.UserID, peerDir)
	repl(ctx, engine, queue, flusher)
	return nil
}

// watchEngine prints state transitions so two terminals can call each other.
func watchEngine(ctx context.Context, engine *call.Engine) {
	snaps, cancel := engine.Subscribe()
	defer cancel()
	last := call.StatusIdle
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			if snap.Status == last {
				continue
			}
			last = snap.Status
			switch snap.Status {
			case call.StatusRinging:
				fmt.Printf("\n*** incoming %s call from %s (accept/decline) ***\n> ", snap.CallType, snap.Peer.DisplayName)
			case call.StatusConnected:
				fmt.Printf("\n*** connected to %s ***\n> ", snap.Peer.DisplayName)
			case call.StatusIdle:
				fmt.Printf("\n*** call over (%s) ***\n> ", snap.EndReason)
			}
		}
	}
}

func repl(ctx context.Context, engine *call.Engine, queue *outbox.Queue, flusher *outbox.Flusher) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}
		if err := dispatch(ctx, engine, queue, flusher, fields); err != nil {
			if err == errQuit {
				return
			}
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print("> ")
	}
}

var errQuit = fmt.Errorf("quit")

func dispatch(ctx context.Context, engine *call.Engine, queue *outbox.Queue, flusher *outbox.Flusher, fields []string) error {
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			return fmt.Errorf("usage: call <userID> [video]")
		}
		ctype := call.CallTypeVoice
		if len(fields) > 2 && fields[2] == "video" {
			ctype = call.CallTypeVideo
		}
		return engine.InitiateCall(sig.Identity{ID: fields[1], DisplayName: fields[1]}, ctype)
	case "accept":
		return engine.AcceptCall()
	case "decline":
		return engine.DeclineCall()
	case "end":
		return engine.EndCall()
	case "mute":
		muted, err := engine.ToggleMute()
		if err != nil {
			return err
		}
		fmt.Printf("muted: %v\n", muted)
		return nil
	case "video":
		enabled, err := engine.ToggleVideo()
		if err != nil {
			return err
		}
		fmt.Printf("video: %v\n", enabled)
		return nil
	case "cam":
		return engine.SwitchCamera()
	case "send":
		if len(fields) < 3 {
			return fmt.Errorf("usage: send <conversationID> <text>")
		}
		msg, err := queue.Enqueue(outbox.Message{
			ConversationID: fields[1],
			Content:        strings.Join(fields[2:], " "),
		})
		if err != nil {
			return err
		}
		fmt.Printf("queued %s\n", msg.TempID)
		if n, err := flusher.Flush(ctx); err == nil && n > 0 {
			fmt.Printf("delivered %d\n", n)
		}
		return nil
	case "retry":
		if len(fields) < 2 {
			return fmt.Errorf("usage: retry <tempID>")
		}
		return flusher.Retry(ctx, fields[1])
	case "outbox":
		msgs, err := queue.All()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("%s  %-8s retry=%d  [%s] %s\n", m.TempID, m.Status, m.RetryCount, m.ConversationID, m.Content)
		}
		fmt.Printf("%d message(s)\n", len(msgs))
		return nil
	case "status":
		printStatus(engine.Snapshot())
		for _, line := range engine.Activity(8) {
			fmt.Printf("  %s\n", line)
		}
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func printStatus(snap call.Snapshot) {
	fmt.Printf("status: %s\n", snap.Status)
	if snap.CallID != "" {
		fmt.Printf("  call %s (%s) with %s\n", snap.CallID, snap.CallType, snap.Peer.ID)
	}
	if snap.Status == call.StatusConnected {
		fmt.Printf("  duration %ds  muted=%v video=%v quality=%s\n",
			snap.DurationSeconds, snap.Muted, snap.VideoEnabled, snap.Quality)
	}
	if snap.EndReason != call.ReasonNone {
		fmt.Printf("  last call: %s", snap.EndReason)
		if snap.LastError != "" {
			fmt.Printf(" (%s)", snap.LastError)
		}
		fmt.Println()
	}
}

// consoleTones marks call progress on the terminal instead of playing audio.
type consoleTones struct{}

func (consoleTones) Play(t call.Tone) { fmt.Printf("\a[%s ring]\n", t) }
func (consoleTones) Stop()            {}

func showUsage() {
	fmt.Printf(`callkit v%s - voice/video call engine with offline outbox

Usage:
  callkit <peer-dir>    Run interactively against the config in <peer-dir>
  callkit -version      Show version
  callkit -h            Show this help

Commands once running:
  call <userID> [video]   start an outgoing call
  accept | decline        answer the ringing call
  end                     hang up / cancel
  mute | video | cam      toggle mic, toggle camera, switch camera
  send <conv> <text>      queue a chat message for delivery
  retry <tempID>          re-arm a failed message and flush
  outbox                  list queued messages
  status                  show call state and recent activity
  quit
`, appVersion)
}
