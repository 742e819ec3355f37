package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/bridge"
	"github.com/seemantic/engine/internal/events"
	"github.com/seemantic/engine/internal/services"
	"github.com/seemantic/engine/internal/services/conversation"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := services.InitializeServices()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer svc.Close()

	// The registry keeps retrying the feed on its own; only the initial
	// snapshot failing is surfaced here.
	if err := svc.GetRegistryService().Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("Document registry unavailable, continuing without corpus state")
	}

	server := bridge.NewServer(ctx, svc)
	server.Start()

	runTerminal(ctx, svc)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Bridge shutdown did not finish cleanly")
	}
}

// runTerminal is a minimal interactive client on top of the same
// services the bridge exposes: one conversation, one query at a time,
// the answer printed as it streams in.
func runTerminal(ctx context.Context, svc *services.Services) {
	store := svc.GetConversationService()
	convID := store.CreateConversation()

	fmt.Println("seemantic engine ready. Type a question, Ctrl+C to quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			ask(ctx, svc, convID, line)
		}
	}
}

// ask submits one query and blocks until its pair reaches a terminal
// state, printing answer deltas as the store absorbs them.
func ask(ctx context.Context, svc *services.Services, convID, content string) {
	store := svc.GetConversationService()
	queries := svc.GetQueryService()
	emitter := svc.GetEmitter()

	pairID, err := queries.SubmitQuery(ctx, convID, content)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	done := make(chan struct{})
	var once sync.Once
	printed := 0

	unsubscribeUpdates := emitter.On(events.PairUpdated{}.EventName(), func(ev events.Event) {
		update := ev.(events.PairUpdated)
		if update.PairID != pairID {
			return
		}
		if pair, ok := store.GetPair(convID, pairID); ok && len(pair.Response.Answer) > printed {
			fmt.Print(pair.Response.Answer[printed:])
			printed = len(pair.Response.Answer)
		}
	})
	defer unsubscribeUpdates()

	unsubscribeStates := emitter.On(events.PairStateChanged{}.EventName(), func(ev events.Event) {
		change := ev.(events.PairStateChanged)
		if change.PairID != pairID {
			return
		}
		switch change.State {
		case string(conversation.QueryStateCompleted),
			string(conversation.QueryStateCancelled),
			string(conversation.QueryStateErrored):
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribeStates()

	select {
	case <-done:
	case <-ctx.Done():
		queries.Cancel(pairID)
	}

	if pair, ok := store.GetPair(convID, pairID); ok && pair.State == conversation.QueryStateErrored {
		fmt.Print("\n[query failed]")
	}
	fmt.Println()
}
