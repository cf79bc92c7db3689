package main

import (
	"context"
	"fmt"
	"os"

	"github.com/havenbridge/wellnest/internal/config"
	"github.com/havenbridge/wellnest/internal/content"
	"github.com/havenbridge/wellnest/internal/gateway"
	"github.com/havenbridge/wellnest/internal/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wellnest",
	Short: "wellnest - SMS mental wellness companion",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook gateway (channels + scheduler)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and content directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wellnest status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w (run 'wellnest onboard' or set the env vars)", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := content.WriteDefaults(cfg.Content.Dir); err != nil {
		return fmt.Errorf("seed content: %w", err)
	}
	fmt.Printf("Content ready: %s\n", cfg.Content.Dir)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to enable a channel\n", cfgPath)
	fmt.Println("  2. Set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER (a .env file works)")
	fmt.Println("  3. Run 'wellnest serve' and point your Twilio webhook at the gateway")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Content: %s\n", cfg.Content.Dir)
	fmt.Printf("Database: %s\n", cfg.Store.DBPath)
	fmt.Printf("Timezone: %s\n", cfg.Admin.Timezone)
	fmt.Printf("Twilio: enabled=%v\n", cfg.Channels.Twilio.Enabled)
	if cfg.Channels.Twilio.Enabled {
		fmt.Printf("  Number: %s\n", cfg.Channels.Twilio.PhoneNumber)
		fmt.Printf("  Account SID: %s\n", maskSecret(cfg.Channels.Twilio.AccountSID))
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	st, err := store.New(cfg.Store.DBPath)
	if err != nil {
		fmt.Printf("Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	users, err := st.ListUsers()
	if err != nil {
		fmt.Printf("Users: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Users: %d registered\n", len(users))

	return nil
}

func maskSecret(s string) string {
	if len(s) > 8 {
		return s[:4] + "..." + s[len(s)-4:]
	}
	if s != "" {
		return "set"
	}
	return "not set"
}
