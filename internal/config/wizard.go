package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== kbridge Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Knowledge repository
	fmt.Println("Knowledge repository:")
	fmt.Print("Repository directory [~/.kbridge/knowledge]: ")
	dir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		cfg.Knowledge.Dir = dir
	}

	fmt.Println()

	// Memory store backend
	fmt.Println("Memory store backend options:")
	fmt.Println("  sqlite - local database with keyword search (default)")
	fmt.Println("  redis  - shared store for multi-instance deployments")
	for {
		fmt.Print("Backend [sqlite]: ")
		backend, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if backend == "" {
			break
		}
		if err := validator.ValidateBackend(backend); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		cfg.Memstore.Backend = backend
		break
	}

	if cfg.Memstore.Backend == "redis" {
		for {
			fmt.Print("Redis address (host:port): ")
			addr, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateRedisAddr(addr); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			cfg.Memstore.Redis.Addr = addr
			break
		}
	}

	fmt.Println()

	// Embeddings
	fmt.Print("Enable semantic search over pointers? (y/n) [n]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if strings.ToLower(enable) == "y" {
		for {
			fmt.Print("OpenAI API Key: ")
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			cfg.Memstore.Embedding.Enabled = true
			cfg.Memstore.Embedding.APIKey = key
			break
		}
	}

	fmt.Println()

	// Scheduler
	fmt.Print("Enable the background sync scheduler? (y/n) [y]: ")
	sched, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Scheduler.Enabled = sched == "" || strings.ToLower(sched) == "y"

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
