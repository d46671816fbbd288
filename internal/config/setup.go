package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the operator through first-time configuration,
// reading answers from in.
func RunSetupWizard(cfg *Config, in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║            rcond - First Run Setup           ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	cfg.mu.Lock()
	rc := &cfg.Rcon
	app := &cfg.ApplicationData

	fmt.Println("── Remote Console ──")

	for attempt := 0; rc.Password == "" && attempt < 3; attempt++ {
		rc.Password = promptPassword(reader, "rcon password")
		if rc.Password == "" {
			fmt.Println("    A password is required.")
		}
	}
	rc.ListenAddress = promptString(reader, "Listen address (blank for all interfaces)", rc.ListenAddress)
	rc.Port = promptInt(reader, "Listen port", rc.Port)

	fmt.Println()
	fmt.Println("── Relay ──")

	rc.RelayAddress = promptString(reader, "Relay address (blank to disable)", rc.RelayAddress)
	if rc.RelayAddress != "" {
		rc.RelayPort = promptInt(reader, "Relay port", rc.RelayPort)
	}

	fmt.Println()
	fmt.Println("── Autoban ──")

	rc.MaxFailures = promptInt(reader, "Failures before a ban", rc.MaxFailures)
	rc.BanPenaltyMin = promptInt(reader, "Ban length in minutes (0 = permanent)", rc.BanPenaltyMin)

	fmt.Println()
	fmt.Println("── Admin API ──")

	app.API.Enabled = promptBool(reader, "Enable admin API", app.API.Enabled)
	if app.API.Enabled {
		app.API.Port = promptInt(reader, "Admin API port", app.API.Port)
		if app.API.Token == "" {
			app.API.Token = uuid.NewString()
			fmt.Printf("    Generated API token: %s\n", app.API.Token)
		}
	}

	fmt.Println()
	fmt.Println("── MQTT Telemetry ──")

	app.MQTT.Enabled = promptBool(reader, "Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = promptString(reader, "MQTT broker host", app.MQTT.BrokerURL)
		app.MQTT.Port = promptInt(reader, "MQTT broker port", app.MQTT.Port)
	}
	cfg.mu.Unlock()

	// Validate before saving
	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Println("\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Printf("  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Configuration saved to", cfg.Path())
	fmt.Println()

	return nil
}

func promptString(reader *bufio.Reader, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptPassword(reader *bufio.Reader, prompt string) string {
	fmt.Printf("  %s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func promptInt(reader *bufio.Reader, prompt string, defaultVal int) int {
	fmt.Printf("  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Printf("  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
