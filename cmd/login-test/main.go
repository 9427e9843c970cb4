// Command login-test runs the interactive phone OTP login flow and persists
// the resulting session, so session-test can pick it up afterwards.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rekkoapp/rekko-go/config"
	"github.com/rekkoapp/rekko-go/rekko"
	"github.com/rekkoapp/rekko-go/session"
	"github.com/rekkoapp/rekko-go/storage"
)

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

	client := rekko.NewClient(rekko.ClientOpts{BaseURL: cfg.APIBaseURL})
	manager, err := session.NewManager(session.Options{
		API:           client,
		Store:         store,
		RefreshMargin: cfg.RefreshMargin,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}

	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	phone := prompt(reader, "Phone number (international format): ")
	if err := client.StartPhoneLogin(ctx, phone); err != nil {
		log.Fatal().Err(err).Msg("failed to start phone login")
	}
	fmt.Println("Code sent.")

	code := prompt(reader, "Enter the code you received: ")
	result, err := client.VerifyPhoneLogin(ctx, phone, code, manager.DeviceID(ctx))
	if err != nil {
		log.Fatal().Err(err).Msg("code verification failed")
	}

	if err := manager.Login(ctx, result); err != nil {
		log.Fatal().Err(err).Msg("failed to establish session")
	}

	s := manager.Current()
	fmt.Printf("Logged in as %s (@%s), mode %s.\n", s.User.DisplayName, s.User.Handle, s.Mode)
	fmt.Println("Session persisted; run session-test to inspect it.")
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read input")
	}
	return strings.TrimSpace(line)
}
