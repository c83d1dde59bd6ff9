package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/internal/api"
	"go-media-download/internal/config"
	"go-media-download/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// downloadsPathFlag holds the value of the --downloads-path flag
var downloadsPathFlag string

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

var (
	logLevel  string
	logFormat string
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalPreferences holds the [Downloads] settings, re-read when the config file changes
var globalPreferences *config.ViperPreferences

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "media-downloader",
	Short: "Offline download manager for a manga and anime library",
	Long: `Media Downloader keeps items of library entries available offline.
It queues and downloads items from their sources, tracks what is on disk
and removes read items according to the configured policies.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// Interrupts cancel the command context so downloads stop cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeApiLog()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

// closeApiLog closes the API logging transport if it was initialized.
func closeApiLog() {
	if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
		log.Debug("Closing API logging transport file.")
		if err := loggingTransport.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigPath, "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log source HTTP requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&downloadsPathFlag, "downloads-path", "", "Downloads root directory (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for the source HTTP client in seconds (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
}

// initLogging configures logrus based on persistent flags
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// loadGlobalConfig loads the configuration, applies flag overrides and sets up the
// global HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Commands that need a config check the fields they use.
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
		config.ApplyDefaults(&globalConfig)
	}

	globalPreferences, err = config.LoadPreferences(cfgFile, true)
	if err != nil {
		log.WithError(err).Debug("Using default download preferences")
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", logApiFlag)
	}

	if cmd.Flags().Changed("downloads-path") {
		if downloadsPathFlag != "" {
			globalConfig.DownloadsPath = downloadsPathFlag
			log.Debugf("Overriding DownloadsPath based on --downloads-path flag: %s", downloadsPathFlag)
		} else {
			log.Warn("--downloads-path flag provided but value is empty, ignoring.")
		}
	}

	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
			log.Debugf("Overriding ApiClientTimeoutSec based on --api-timeout flag: %d sec", apiTimeoutFlag)
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}

	// State and index live next to the downloads unless configured elsewhere.
	if globalConfig.DownloadsPath != "" {
		if globalConfig.DatabasePath == "" {
			globalConfig.DatabasePath = filepath.Join(globalConfig.DownloadsPath, "state.db")
		}
		if globalConfig.IndexPath == "" {
			globalConfig.IndexPath = filepath.Join(globalConfig.DownloadsPath, "downloads.bleve")
		}
	}

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if globalConfig.DownloadsPath != "" {
			if _, statErr := os.Stat(globalConfig.DownloadsPath); statErr == nil {
				logFilePath = filepath.Join(globalConfig.DownloadsPath, logFilePath)
			} else {
				log.Warnf("DownloadsPath '%s' not found, saving api.log to current directory.", globalConfig.DownloadsPath)
			}
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}
