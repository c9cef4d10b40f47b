package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	pkg "git.solsynth.dev/hypernet/chatcore/pkg/internal"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/automod"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/chat"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/directory"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/storage"
	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "chatcore.db")
	viper.SetDefault("store.path", "segments")
	viper.SetDefault("automod.strictness", 3)
	viper.SetDefault("automod.warnings_level", 3)
	viper.SetDefault("automod.min_length", 1)
	viper.SetDefault("automod.max_length", 4096)
	viper.SetDefault("automod.kick_duration", "5m")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("No settings file was loaded, keep going with defaults...")
	}

	// Connect to the directory database
	dir, err := directory.New(viper.GetString("database.driver"), viper.GetString("database.dsn"))
	if err != nil {
		log.Fatal().Err(err).Msg("An error occurred when connecting to database.")
	} else if err := dir.RunMigration(); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when running database auto migration.")
	}

	// Open the segment store
	store, err := storage.OpenPebble(viper.GetString("store.path"))
	if err != nil {
		log.Fatal().Err(err).Msg("An error occurred when opening segment store.")
	}

	// Assemble the chat core
	cfg := chat.DefaultConfig()
	cfg.AutoMod = automod.Config{
		Strictness:    viper.GetInt("automod.strictness"),
		WarningsLevel: viper.GetInt("automod.warnings_level"),
		MinLength:     viper.GetInt("automod.min_length"),
		MaxLength:     viper.GetInt("automod.max_length"),
	}
	if d := viper.GetDuration("automod.kick_duration"); d > 0 {
		cfg.KickDuration = d
	}
	srv := chat.NewServer(dir, store, chat.NewLocalBus(), cfg)

	// Configure timed tasks
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	quartz.AddFunc("@every 60s", srv.FlushAll)
	quartz.AddFunc("@every 60m", func() {
		dir.DoAutoCleanup(24 * time.Hour)
	})
	quartz.Start()

	color.New(color.FgHiCyan, color.Bold).Println("Chatcore", pkg.AppVersion)
	log.Info().Msgf("Chatcore v%s is started...", pkg.AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("Chatcore v%s is quitting...", pkg.AppVersion)

	quartz.Stop()
	srv.Close()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("An error occurred when closing segment store.")
	}
}
