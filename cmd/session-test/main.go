// Command session-test hydrates a session from the local credential store,
// prints the resulting state, and keeps the refresh lifecycle running.
// Sending SIGUSR1 to the process simulates the app being foregrounded, which
// exercises the resume-triggered refresh path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rekkoapp/rekko-go/config"
	"github.com/rekkoapp/rekko-go/rekko"
	"github.com/rekkoapp/rekko-go/session"
	"github.com/rekkoapp/rekko-go/storage"
)

// consoleNotifier prints the user-visible session events to stdout, standing
// in for the app UI.
type consoleNotifier struct{}

func (consoleNotifier) LoggedIn(user rekko.User) {
	fmt.Printf(dedent.Dedent(`
		Welcome back, %s!
		  reputation:     %d
		  tokens earned:  %d
	`), user.DisplayName, user.Reputation, user.TokensEarned)
}

func (consoleNotifier) LoggedOut() {
	fmt.Println("Logged out.")
}

func (consoleNotifier) SessionEnded() {
	fmt.Println("Your session has ended. Please log in again.")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	store, err := storage.Open(cfg.StorePath, cfg.StoreKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open credential store")
	}
	defer store.Close()

	manager, err := session.NewManager(session.Options{
		API:           rekko.NewClient(rekko.ClientOpts{BaseURL: cfg.APIBaseURL}),
		Store:         store,
		Notifier:      consoleNotifier{},
		RefreshMargin: cfg.RefreshMargin,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	manager.RefreshAuth(ctx)
	printSession(manager.Current(), time.Since(start))

	// SIGUSR1 stands in for the mobile shell's app-foregrounded signal.
	resume := make(chan struct{}, 1)
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.ObserveResume(ctx, resume)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-usr1:
				log.Info().Msg("resume signal received")
				select {
				case resume <- struct{}{}:
				default:
				}
			}
		}
	})

	log.Info().Int("pid", os.Getpid()).
		Msg("running; send SIGUSR1 to simulate app resume, Ctrl-C to exit")

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func printSession(s session.Session, took time.Duration) {
	fmt.Printf("\n=== Session (hydrated in %s) ===\n", took.Round(time.Millisecond))
	fmt.Printf("mode:          %s\n", s.Mode)
	fmt.Printf("hydrated:      %v\n", s.Hydrated)
	if s.User != nil {
		fmt.Printf("user:          %s (@%s)\n", s.User.DisplayName, s.User.Handle)
		fmt.Printf("completion:    %d%%\n", s.User.ProfileCompletion)
	}
	if s.HasToken() {
		fmt.Printf("token expiry:  %s\n", s.Expiry.Format(time.RFC3339))
		fmt.Printf("has refresh:   %v\n", s.RefreshToken != "")
	}
	if s.Mode == session.ModeEmailOnly {
		fmt.Printf("pending:       %d tokens\n", s.PendingTokens)
	}
	fmt.Println()
}
