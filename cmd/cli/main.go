package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/nimasrn/notifyhub-gateway/internal/apikey"
	"github.com/nimasrn/notifyhub-gateway/internal/bootstrap"
	"github.com/nimasrn/notifyhub-gateway/internal/config"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/pg"
)

const usage = `usage:
  cli migrate [--env=.env] [--dir=./migrations]   apply pending migrations
  cli status  [--env=.env] [--dir=./migrations]   print migration status
  cli keygen  [--prefix=nh_] [--tenant=name]       generate an API key`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "migrate":
		err = withDatabase(pg.Migrate)
	case "status":
		err = withDatabase(pg.MigrationStatus)
	case "keygen":
		err = keygen()
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	logger.Sync()
	if err != nil {
		logger.Error("cli: command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func withDatabase(fn func(pg.Config, string) error) error {
	envPath := config.ArgEnvPath(os.Args)
	if envPath == "" {
		if _, err := os.Stat(".env"); err == nil {
			envPath = ".env"
		}
	}
	if err := config.Load(envPath); err != nil {
		return err
	}
	return fn(bootstrap.WriteConfig(config.Get()), argValue("--dir=", "./migrations"))
}

// keygen prints a fresh key, and the env line that registers it when a
// tenant is given.
func keygen() error {
	key, err := apikey.Generate(argValue("--prefix=", "nh_"))
	if err != nil {
		return err
	}
	tenant := argValue("--tenant=", "")
	if tenant == "" {
		fmt.Println(key)
		return nil
	}
	fmt.Printf("%s%s=%s\n", apikey.EnvPrefix, strings.ToUpper(tenant), key)
	return nil
}

func argValue(flag, def string) string {
	for _, v := range os.Args[2:] {
		if strings.HasPrefix(v, flag) {
			return strings.TrimPrefix(v, flag)
		}
	}
	return def
}
