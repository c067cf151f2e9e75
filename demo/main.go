// Command demo runs a headless participant: it joins a document, types some
// text at a random position and reports what it sees of the other peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sanity-io/litter"

	"github.com/peercollab/peercollab/client/collab"
	"github.com/peercollab/peercollab/client/transport"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/config"
	peerlog "github.com/peercollab/peercollab/server/log"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file")
	docID      = flag.String("doc", "", "document to join; defaults to document.default_id")
	name       = flag.String("name", "", "display name; defaults to the client ID")
	color      = flag.String("color", "#30bced", "cursor color")
	text       = flag.String("text", "hello ", "text to type")
	interval   = flag.Duration("interval", 200*time.Millisecond, "delay between keystrokes")
	dump       = flag.Bool("dump", false, "print the engine state after every keystroke")
)

func main() {
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := peerlog.NewLogger(&cfg.Log)
	if *docID == "" {
		*docID = cfg.Document.DefaultID
	}
	clientID := uuid.NewString()
	if *name == "" {
		*name = clientID[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := transport.Dial(ctx, transport.Options{
		URL:      strings.TrimSuffix(cfg.Client.ServerURL, "/") + "/" + *docID,
		ClientID: clientID,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("connect", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	e := collab.NewEngine(conn, collab.Options{
		ClientID:         clientID,
		User:             common.User{Name: *name, Color: *color, BgColor: *color + "33"},
		PushDelay:        cfg.Client.PushDelay,
		PullTimeout:      cfg.Client.PullTimeout,
		Logger:           logger,
		TooltipHideDelay: cfg.Client.TooltipHideDelay,
		OnChange: func(c collab.DocChange) {
			if !c.Own {
				logger.Info("remote change", "origin", c.Origin, "changes", c.Changes.String())
			}
		},
	})
	if err := e.Start(ctx); err != nil {
		logger.Error("start", "err", err)
		os.Exit(1)
	}
	defer e.Close()

	if err := typeText(ctx, e, []rune(*text)); err != nil && ctx.Err() == nil {
		logger.Error("typing", "err", err)
	}
	<-ctx.Done()
}

func typeText(ctx context.Context, e *collab.Engine, text []rune) error {
	doc, _, err := e.Text()
	if err != nil {
		return err
	}
	pos := rand.Intn(len([]rune(doc)) + 1)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for _, r := range text {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		// Follow the cursor through remote edits.
		sel, ok, err := e.Selection()
		if err != nil {
			return err
		}
		if ok {
			pos = sel.Ranges[sel.Main].Head
		}
		if err := e.Replace(pos, pos, string(r)); err != nil {
			return err
		}
		pos++
		if err := e.SetSelection(common.Selection{Ranges: []common.Range{{Anchor: pos, Head: pos}}}); err != nil {
			return err
		}
		if *dump {
			snap, err := e.Snapshot()
			if err != nil {
				return err
			}
			fmt.Println(litter.Sdump(snap))
			fmt.Println(litter.Sdump(e.Tracker().SelectionsForRendering()))
		}
	}
	return nil
}
