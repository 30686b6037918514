package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/parley/pkg/cache"
	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/providers/bing"
	"github.com/go-go-golems/parley/pkg/providers/claude"
	"github.com/go-go-golems/parley/pkg/providers/infrastruct"
	"github.com/go-go-golems/parley/pkg/providers/ollama"
	"github.com/go-go-golems/parley/pkg/providers/openai"
)

var (
	providerName string
	model        string
	apiKey       string
	baseURL      string
	cacheDir     string
	logLevel     string

	conversationID  string
	parentMessageID string
	systemMessage   string
	fanOut          int
	timeout         time.Duration
)

func buildAdapter() (chat.Adapter, error) {
	if apiKey == "" {
		apiKey = os.Getenv("PARLEY_API_KEY")
	}
	switch providerName {
	case "chatgpt":
		return openai.NewChatGPT(openai.Settings{APIKey: apiKey, BaseURL: baseURL, Model: model})
	case "openrouter":
		return openai.NewOpenRouter(openai.Settings{APIKey: apiKey, Model: model})
	case "claude":
		return claude.New(claude.Settings{APIKey: apiKey, BaseURL: baseURL, Model: model})
	case "infrastruct":
		return infrastruct.New(infrastruct.Settings{APIKey: apiKey, BaseURL: baseURL, Model: model})
	case "ollama":
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollama.New(ollama.Settings{BaseURL: baseURL, Model: model})
	case "bing":
		return bing.New(bing.Settings{Cookies: os.Getenv("PARLEY_BING_COOKIES")})
	default:
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
}

func buildClient() (*chat.Client, func(), error) {
	adapter, err := buildAdapter()
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	options := []chat.ClientOption{}
	if cacheDir != "" {
		store, err := cache.OpenPebbleStore(cacheDir, adapter.Name())
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			_ = store.Close()
		}
		options = append(options, chat.WithStore(store))
	}

	client, err := chat.New(adapter, options...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return client, cleanup, nil
}

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Talk to chat backends from the command line",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message and stream the reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := client.Generate(cmd.Context(), args[0], chat.GenerateOptions{
			ConversationID:  conversationID,
			ParentMessageID: parentMessageID,
			SystemMessage:   systemMessage,
			N:               fanOut,
			Timeout:         timeout,
			OnProgress: func(ev chat.ProgressEvent) {
				if ev.Index == 0 && ev.Delta != "" {
					fmt.Print(ev.Delta)
				}
			},
		})
		if result != nil {
			fmt.Println()
			fmt.Printf("conversation: %s\n", result.ConversationID)
			for i, reply := range result.Replies {
				if reply.MessageID != "" {
					fmt.Printf("reply %d (%s): %s\n", i, reply.State, reply.MessageID)
				}
			}
		}
		return err
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [transcript-file]",
	Short: "Import a transcript or XML history into a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		convID, tailID, err := client.IngestExternalMessages(
			cmd.Context(), conversationID, string(data), parentMessageID, true)
		if err != nil {
			return err
		}
		fmt.Printf("conversation: %s\ntail message: %s\n", convID, tailID)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print a conversation branch as a transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		out, err := client.Transcript(cmd.Context(), conversationID, parentMessageID)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&providerName, "provider", "chatgpt", "backend provider (chatgpt, openrouter, claude, infrastruct, ollama, bing)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "gpt-4o-mini", "model name")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (defaults to PARLEY_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "API base URL override")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "pebble cache directory (in-memory when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&conversationID, "conversation-id", "", "conversation to continue")
	rootCmd.PersistentFlags().StringVar(&parentMessageID, "parent-message-id", "", "branch point within the conversation")

	chatCmd.Flags().StringVar(&systemMessage, "system", "", "system message for this turn")
	chatCmd.Flags().IntVar(&fanOut, "n", 1, "number of parallel completions")
	chatCmd.Flags().DurationVar(&timeout, "timeout", 0, "per-turn timeout")

	rootCmd.AddCommand(chatCmd, ingestCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
